package allocator

import (
	"math/bits"

	"go.uber.org/zap"
)

// SlabKind distinguishes the two slab instantiations this package
// supports, tagged on the frame header's typeTag field: a slab of
// explicitly sized objects, and one whose object size is a power of two
// given by a shift.
type SlabKind uint32

const (
	SlabKindNormal SlabKind = iota
	SlabKindPow2
)

func magicForType(kind SlabKind) uint32 {
	if kind == SlabKindPow2 {
		return 0xfeedface
	}
	return 0xcafebabe
}

const (
	slabFrameStatePartial uint32 = iota
	slabFrameStateFull
	slabFrameStateFree
)

// slabFrameHeader sits at the base of every frame a Slab manages. magic is
// a self-check word recomputed on every state change: a stale or corrupt
// header fails the check before its fields are ever trusted.
// listNext/listPrev thread the frame through whichever of full/partial/
// free currently owns it; state names which one that is, kept out of the
// magic computation.
type slabFrameHeader struct {
	magic    uint32
	typeTag  uint32
	used     uint32
	top      uint32
	freeHead uint32
	listNext uint32
	listPrev uint32
	state    uint32
}

const slabFrameHeaderSize = 32

// Slab is the L2b fixed-size allocator: frames of 1<<FrameOrder pages
// carved into equal-sized slots, tracked across full, partial and free
// frame lists, with a self-checking magic header and a backward page walk
// for recovering a slot's owning frame on Deallocate.
type Slab struct {
	region *Region
	pages  *PageAllocator

	kind       SlabKind
	objectSize uint32
	frameOrder uint32
	frameSize  uint32
	numObjects uint32

	// deallocateImmediately: when true, a frame that reaches zero live
	// objects is returned to the page allocator at once; when false, one
	// spare empty frame is kept around to absorb the next allocation
	// without a page-allocator round trip.
	deallocateImmediately bool

	full    uint32
	partial uint32
	free    uint32

	log *zap.Logger
}

// SlabConfig describes a fixed-size slab's object shape.
type SlabConfig struct {
	Kind                  SlabKind
	ObjectSize            uint32
	ObjectShift           uint32
	FrameOrder            uint32
	DeallocateImmediately bool
}

// NewSlab validates cfg and constructs an empty Slab (no frames
// committed yet) over pages.
func NewSlab(region *Region, pages *PageAllocator, cfg SlabConfig, opts ...Option) (*Slab, error) {
	options := defaultOptions()
	options.apply(opts)

	objectSize := cfg.ObjectSize
	if cfg.Kind == SlabKindPow2 {
		objectSize = uint32(1) << cfg.ObjectShift
	}
	if objectSize < 4 {
		return nil, ErrBadObjectSize
	}

	frameSize := region.PageSize() << cfg.FrameOrder
	if frameSize <= slabFrameHeaderSize {
		return nil, ErrBadObjectSize
	}
	numObjects := (frameSize - slabFrameHeaderSize) / objectSize
	if numObjects == 0 {
		return nil, ErrBadObjectSize
	}

	s := &Slab{
		region:                region,
		pages:                 pages,
		kind:                  cfg.Kind,
		objectSize:            objectSize,
		frameOrder:            cfg.FrameOrder,
		frameSize:             frameSize,
		numObjects:            numObjects,
		deallocateImmediately: cfg.DeallocateImmediately,
		full:                  nullAddr,
		partial:               nullAddr,
		free:                  nullAddr,
		log:                   options.logger,
	}
	s.log.Debug("slab constructed",
		zap.Uint32("objectSize", objectSize),
		zap.Uint32("numObjects", numObjects),
	)
	return s, nil
}

func (s *Slab) headerAt(frameAddr uint32) *slabFrameHeader {
	return (*slabFrameHeader)(s.region.at(frameAddr))
}

func (s *Slab) slotAddr(frameAddr, idx uint32) uint32 {
	return frameAddr + slabFrameHeaderSize + idx*s.objectSize
}

func (s *Slab) expectedMagic(h *slabFrameHeader, frameAddr uint32) uint32 {
	return frameAddr ^ magicForType(s.kind) ^ h.used ^
		bits.RotateLeft32(h.top, 8) ^ bits.RotateLeft32(h.freeHead, 16)
}

func (s *Slab) synchronizeMagic(frameAddr uint32) {
	h := s.headerAt(frameAddr)
	h.magic = s.expectedMagic(h, frameAddr)
}

func (s *Slab) isSlabHeader(frameAddr uint32) bool {
	h := s.headerAt(frameAddr)
	return h.magic == s.expectedMagic(h, frameAddr)
}

func (s *Slab) pushFrameList(head *uint32, frameAddr uint32, state uint32) {
	h := s.headerAt(frameAddr)
	h.listPrev = nullAddr
	h.listNext = *head
	if *head != nullAddr {
		s.headerAt(*head).listPrev = frameAddr
	}
	*head = frameAddr
	h.state = state
}

func (s *Slab) removeFrameList(head *uint32, frameAddr uint32) {
	h := s.headerAt(frameAddr)
	if h.listPrev != nullAddr {
		s.headerAt(h.listPrev).listNext = h.listNext
	} else {
		*head = h.listNext
	}
	if h.listNext != nullAddr {
		s.headerAt(h.listNext).listPrev = h.listPrev
	}
}

func (s *Slab) headOf(state uint32) *uint32 {
	switch state {
	case slabFrameStateFull:
		return &s.full
	case slabFrameStateFree:
		return &s.free
	default:
		return &s.partial
	}
}

func (s *Slab) initFrame(frameAddr uint32) {
	h := s.headerAt(frameAddr)
	h.typeTag = uint32(s.kind)
	h.used = 0
	h.top = 0
	h.freeHead = nullAddr
	s.synchronizeMagic(frameAddr)
}

// allocateFromFrame takes one free slot from frameAddr, preferring the
// intrusive free stack over bumping top.
func (s *Slab) allocateFromFrame(frameAddr uint32) uint32 {
	h := s.headerAt(frameAddr)
	var idx uint32
	if h.freeHead != nullAddr {
		idx = h.freeHead
		slot := s.slotAddr(frameAddr, idx)
		h.freeHead = *(*uint32)(s.region.at(slot))
	} else {
		idx = h.top
		h.top++
	}
	h.used++
	s.synchronizeMagic(frameAddr)
	return s.slotAddr(frameAddr, idx)
}

func (s *Slab) deallocateToFrame(frameAddr, slot uint32) {
	h := s.headerAt(frameAddr)
	idx := (slot - frameAddr - slabFrameHeaderSize) / s.objectSize
	*(*uint32)(s.region.at(slot)) = h.freeHead
	h.freeHead = idx
	h.used--
	s.synchronizeMagic(frameAddr)
}

// Allocate returns the address of a free slot, or nullAddr on exhaustion.
func (s *Slab) Allocate() uint32 {
	var frameAddr uint32
	switch {
	case s.partial != nullAddr:
		frameAddr = s.partial
	case s.free != nullAddr:
		frameAddr = s.free
		s.removeFrameList(&s.free, frameAddr)
		s.pushFrameList(&s.partial, frameAddr, slabFrameStatePartial)
	default:
		addr := s.pages.AllocHigh(s.frameOrder)
		if addr == nullAddr {
			return nullAddr
		}
		s.initFrame(addr)
		s.pushFrameList(&s.partial, addr, slabFrameStatePartial)
		frameAddr = addr
		s.log.Debug("slab frame allocated", zap.Uint32("addr", addr))
	}

	slot := s.allocateFromFrame(frameAddr)

	if s.headerAt(frameAddr).used == s.numObjects {
		s.removeFrameList(&s.partial, frameAddr)
		s.pushFrameList(&s.full, frameAddr, slabFrameStateFull)
	}
	return slot
}

// findFrame recovers a slot's owning frame by walking backward page by
// page from the slot's own page, checking the self-check magic at each
// candidate; this is needed because a frame may span multiple pages.
func (s *Slab) findFrame(slot uint32) (uint32, bool) {
	pageSize := s.region.PageSize()
	candidate := (slot / pageSize) * pageSize
	for {
		if s.isSlabHeader(candidate) {
			return candidate, true
		}
		if candidate < pageSize {
			return 0, false
		}
		candidate -= pageSize
	}
}

// Deallocate releases a slot previously returned by Allocate.
func (s *Slab) Deallocate(slot uint32) {
	frameAddr, ok := s.findFrame(slot)
	if !ok {
		return
	}
	wasFull := s.headerAt(frameAddr).used == s.numObjects

	s.deallocateToFrame(frameAddr, slot)

	h := s.headerAt(frameAddr)
	switch {
	case h.used == 0:
		prevState := h.state
		s.removeFrameList(s.headOf(prevState), frameAddr)
		if s.deallocateImmediately {
			s.pages.FreeHigh(frameAddr, s.frameOrder)
			s.log.Debug("slab frame released", zap.Uint32("addr", frameAddr))
			return
		}
		switch {
		case s.free == nullAddr:
			s.pushFrameList(&s.free, frameAddr, slabFrameStateFree)
		case frameAddr > s.free:
			// keep the higher-addressed frame as the spare; the
			// lower-addressed one sits closer to the high break, so
			// releasing it gives shrinkHigh more room to reclaim.
			s.pages.FreeHigh(s.free, s.frameOrder)
			s.free = nullAddr
			s.pushFrameList(&s.free, frameAddr, slabFrameStateFree)
		default:
			s.pages.FreeHigh(frameAddr, s.frameOrder)
		}
	case wasFull:
		s.removeFrameList(&s.full, frameAddr)
		s.pushFrameList(&s.partial, frameAddr, slabFrameStatePartial)
	}
}
