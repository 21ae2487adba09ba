package allocator

import (
	"math/bits"

	"go.uber.org/zap"
)

// chunkHeader is the two-word header preceding every fine chunk's payload:
// prevSize lets a chunk walk back to its physical predecessor when that
// predecessor is free, and sizeAndFlags packs this chunk's total size
// together with the prevInUse/pageAllocated bits in its low two bits.
type chunkHeader struct {
	prevSize     uint32
	sizeAndFlags uint32
}

const (
	flagPrevInUse     uint32 = 0x1
	flagPageAllocated uint32 = 0x2
	chunkSizeMask     uint32 = ^uint32(0x3)

	chunkPayloadOffset = 8
	// chunkLinkSize is the footprint of the largest intrusive free-list
	// link a chunk's payload must be able to hold (chunkLargeLink, four
	// uint32 fields); every usable chunk size is rounded up to it.
	chunkLinkSize = 16
	minChunkTotal = chunkPayloadOffset + chunkLinkSize
)

// chunkSmallLink is the free-list node used for fast bins, small bins and
// the unsorted bin: a plain doubly linked list, generalizing
// buddy.go's pageListLink to fine chunks.
type chunkSmallLink struct {
	prev uint32
	next uint32
}

// chunkLargeLink is the free-list node used for large bins. prev/next
// chain chunks of the *same* size ("peers"); prevSize/nextSize chain the
// first peer of each distinct size ("strip heads") along the size axis.
// Only a strip head's prevSize/nextSize are meaningful; a peer always has
// prev set to either its predecessor peer or the strip head.
type chunkLargeLink struct {
	prev      uint32
	next      uint32
	prevSize  uint32
	nextSize  uint32
}

// FineConfig describes the bin boundaries of a FineAllocator. A free chunk
// is binned by the order of its total size (header included), rounded up
// to a power of two: orders below FastBinMaxOrder go to fast bins, orders
// below SmallBinMaxOrder to small bins, orders below the page size shift to
// large bins, and larger chunks to the unsorted bin. A request whose chunk
// total reaches the page size is satisfied directly from whole pages.
type FineConfig struct {
	FastBinMaxOrder  uint32
	SmallBinMaxOrder uint32
}

// FineAllocator is the L2a fine chunk allocator: a Doug-Lea-style allocator
// with fast/small/large/unsorted bins and a single growing top chunk backed
// by the page allocator's low region. Every bin is a plain uint32 head
// field, the same shape as PageAllocator's per-order freeList.
type FineAllocator struct {
	region *Region
	pages  *PageAllocator

	pageSizeShift uint32

	fastBinMaxOrder  uint32
	smallBinMaxOrder uint32

	fast     []uint32
	small    []uint32
	large    []uint32
	unsorted uint32

	topChunk uint32

	log *zap.Logger
}

// NewFineAllocator constructs a FineAllocator over pages, with an empty
// top chunk (no low pages committed yet).
func NewFineAllocator(region *Region, pages *PageAllocator, cfg FineConfig, opts ...Option) *FineAllocator {
	options := defaultOptions()
	options.apply(opts)

	fast := make([]uint32, cfg.FastBinMaxOrder)
	small := make([]uint32, cfg.SmallBinMaxOrder-cfg.FastBinMaxOrder)
	large := make([]uint32, region.pageSizeShift-cfg.SmallBinMaxOrder)
	for i := range fast {
		fast[i] = nullAddr
	}
	for i := range small {
		small[i] = nullAddr
	}
	for i := range large {
		large[i] = nullAddr
	}

	f := &FineAllocator{
		region:           region,
		pages:            pages,
		pageSizeShift:    region.pageSizeShift,
		fastBinMaxOrder:  cfg.FastBinMaxOrder,
		smallBinMaxOrder: cfg.SmallBinMaxOrder,
		fast:             fast,
		small:            small,
		large:            large,
		unsorted:         nullAddr,
		topChunk:         nullAddr,
		log:              options.logger,
	}
	f.log.Debug("fine allocator constructed",
		zap.Uint32("fastBinMaxOrder", cfg.FastBinMaxOrder),
		zap.Uint32("smallBinMaxOrder", cfg.SmallBinMaxOrder),
	)
	return f
}

func orderFor(size uint32) uint32 {
	if size <= 1 {
		return 0
	}
	return uint32(bits.Len32(size - 1))
}

func (f *FineAllocator) headerAt(addr uint32) *chunkHeader {
	return (*chunkHeader)(f.region.at(addr))
}

func (f *FineAllocator) chunkSize(addr uint32) uint32 {
	return f.headerAt(addr).sizeAndFlags &^ 0x3
}

func (f *FineAllocator) setChunkSize(addr, size uint32) {
	h := f.headerAt(addr)
	h.sizeAndFlags = size | (h.sizeAndFlags & 0x3)
}

func (f *FineAllocator) prevInUse(addr uint32) bool {
	return f.headerAt(addr).sizeAndFlags&flagPrevInUse != 0
}

func (f *FineAllocator) setPrevInUse(addr uint32, v bool) {
	h := f.headerAt(addr)
	if v {
		h.sizeAndFlags |= flagPrevInUse
	} else {
		h.sizeAndFlags &^= flagPrevInUse
	}
}

func (f *FineAllocator) pageAllocated(addr uint32) bool {
	return f.headerAt(addr).sizeAndFlags&flagPageAllocated != 0
}

// currentInUse reports whether addr's chunk is currently in use, read
// indirectly off its physical successor's prevInUse bit (a chunk does not
// record its own in-use state; only its successor does).
func (f *FineAllocator) currentInUse(addr uint32) bool {
	return f.prevInUse(f.nextPhysical(addr))
}

func (f *FineAllocator) nextPhysical(addr uint32) uint32 {
	return addr + f.chunkSize(addr)
}

func (f *FineAllocator) prevPhysical(addr uint32) uint32 {
	return addr - f.headerAt(addr).prevSize
}

func (f *FineAllocator) payloadAddr(addr uint32) uint32 {
	return addr + chunkPayloadOffset
}

func (f *FineAllocator) chunkOf(payload uint32) uint32 {
	return payload - chunkPayloadOffset
}

func (f *FineAllocator) smallLink(addr uint32) *chunkSmallLink {
	return (*chunkSmallLink)(f.region.at(f.payloadAddr(addr)))
}

func (f *FineAllocator) largeLink(addr uint32) *chunkLargeLink {
	return (*chunkLargeLink)(f.region.at(f.payloadAddr(addr)))
}

func (f *FineAllocator) pushSmall(head *uint32, addr uint32) {
	link := f.smallLink(addr)
	link.prev = nullAddr
	link.next = *head
	if *head != nullAddr {
		f.smallLink(*head).prev = addr
	}
	*head = addr
}

func (f *FineAllocator) unlinkSmall(head *uint32, addr uint32) {
	link := f.smallLink(addr)
	if link.prev != nullAddr {
		f.smallLink(link.prev).next = link.next
	} else {
		*head = link.next
	}
	if link.next != nullAddr {
		f.smallLink(link.next).prev = link.prev
	}
}

// insertSortedSmall inserts addr into the ascending-by-size list rooted at
// head, ahead of the first entry whose size is >= addr's, following the
// original's small-bin arrangement policy.
func (f *FineAllocator) insertSortedSmall(head *uint32, addr uint32) {
	size := f.chunkSize(addr)
	cur := *head
	var prev uint32 = nullAddr
	for cur != nullAddr && f.chunkSize(cur) < size {
		prev = cur
		cur = f.smallLink(cur).next
	}
	link := f.smallLink(addr)
	link.prev = prev
	link.next = cur
	if cur != nullAddr {
		f.smallLink(cur).prev = addr
	}
	if prev != nullAddr {
		f.smallLink(prev).next = addr
	} else {
		*head = addr
	}
}

func (f *FineAllocator) insertIntoLargeBin(idx uint32, addr uint32) {
	size := f.chunkSize(addr)
	head := f.large[idx]
	link := f.largeLink(addr)

	if head == nullAddr {
		link.prev, link.next, link.prevSize, link.nextSize = nullAddr, nullAddr, nullAddr, nullAddr
		f.large[idx] = addr
		return
	}

	cur := head
	for {
		curSize := f.chunkSize(cur)
		curLink := f.largeLink(cur)

		if curSize == size {
			link.prev = cur
			link.next = curLink.next
			if curLink.next != nullAddr {
				f.largeLink(curLink.next).prev = addr
			}
			curLink.next = addr
			link.prevSize, link.nextSize = nullAddr, nullAddr
			return
		}

		if curSize > size {
			link.prevSize = curLink.prevSize
			link.nextSize = cur
			curLink.prevSize = addr
			if link.prevSize != nullAddr {
				f.largeLink(link.prevSize).nextSize = addr
			} else {
				f.large[idx] = addr
			}
			link.prev, link.next = nullAddr, nullAddr
			return
		}

		if curLink.nextSize == nullAddr {
			link.prevSize = cur
			link.nextSize = nullAddr
			curLink.nextSize = addr
			link.prev, link.next = nullAddr, nullAddr
			return
		}
		cur = curLink.nextSize
	}
}

// unlinkFromLargeBin removes addr from large bin idx. A node whose prev
// is nullAddr is a strip head; removing one promotes its first peer (if
// any) to strip-head status, taking over the size-axis links.
func (f *FineAllocator) unlinkFromLargeBin(idx uint32, addr uint32) {
	link := f.largeLink(addr)

	if link.prev != nullAddr {
		prev := link.prev
		next := link.next
		f.largeLink(prev).next = next
		if next != nullAddr {
			f.largeLink(next).prev = prev
		}
		return
	}

	if link.next != nullAddr {
		promoted := link.next
		promotedLink := f.largeLink(promoted)
		promotedLink.prev = nullAddr
		promotedLink.prevSize = link.prevSize
		promotedLink.nextSize = link.nextSize
		if link.prevSize != nullAddr {
			f.largeLink(link.prevSize).nextSize = promoted
		} else {
			f.large[idx] = promoted
		}
		if link.nextSize != nullAddr {
			f.largeLink(link.nextSize).prevSize = promoted
		}
		return
	}

	if link.prevSize != nullAddr {
		f.largeLink(link.prevSize).nextSize = link.nextSize
	} else {
		f.large[idx] = link.nextSize
	}
	if link.nextSize != nullAddr {
		f.largeLink(link.nextSize).prevSize = link.prevSize
	}
}

// arrangeChunk files a free chunk into its bin by size, following the
// original's dispatch-by-size policy.
func (f *FineAllocator) arrangeChunk(addr uint32) {
	size := f.chunkSize(addr)
	order := orderFor(size)

	switch {
	case order < f.fastBinMaxOrder:
		f.pushSmall(&f.fast[order], addr)
	case order < f.smallBinMaxOrder:
		f.insertSortedSmall(&f.small[order-f.fastBinMaxOrder], addr)
	case order < f.pageSizeShift:
		f.insertIntoLargeBin(order-f.smallBinMaxOrder, addr)
	default:
		f.pushSmall(&f.unsorted, addr)
	}
}

// safelyUnlinkChunk removes addr from the unsorted bin if it is still
// staged there, and otherwise from whichever bin its current size implies
// it occupies.
func (f *FineAllocator) safelyUnlinkChunk(addr uint32) {
	for cur := f.unsorted; cur != nullAddr; cur = f.smallLink(cur).next {
		if cur == addr {
			f.unlinkSmall(&f.unsorted, addr)
			return
		}
	}

	size := f.chunkSize(addr)
	order := orderFor(size)

	switch {
	case order < f.fastBinMaxOrder:
		f.unlinkSmall(&f.fast[order], addr)
	case order < f.smallBinMaxOrder:
		f.unlinkSmall(&f.small[order-f.fastBinMaxOrder], addr)
	case order < f.pageSizeShift:
		f.unlinkFromLargeBin(order-f.smallBinMaxOrder, addr)
	default:
		f.unlinkSmall(&f.unsorted, addr)
	}
}

func (f *FineAllocator) chunkTotal(size uint32) uint32 {
	payload := (size + 3) &^ 3
	if payload < chunkLinkSize {
		payload = chunkLinkSize
	}
	return chunkPayloadOffset + payload
}

func (f *FineAllocator) pageThreshold() uint32 {
	return uint32(1) << f.pageSizeShift
}

// Allocate returns the payload address of a chunk able to hold size
// bytes, or nullAddr on exhaustion: a page-threshold check first, then
// fast/small/large bins, then the unsorted sweep, then a top-chunk split.
func (f *FineAllocator) Allocate(size uint32) uint32 {
	if size == 0 {
		return nullAddr
	}
	total := f.chunkTotal(size)

	if total >= f.pageThreshold() {
		addr := f.allocatePageBacked(total)
		if addr == nullAddr {
			return nullAddr
		}
		return f.payloadAddr(addr)
	}

	if addr := f.allocateFromFastBin(total); addr != nullAddr {
		return f.payloadAddr(addr)
	}
	if addr := f.allocateFromSmallBin(total); addr != nullAddr {
		return f.payloadAddr(addr)
	}
	if addr := f.allocateFromLargeBin(total); addr != nullAddr {
		return f.payloadAddr(addr)
	}
	if addr := f.allocateFromUnsorted(total); addr != nullAddr {
		return f.payloadAddr(addr)
	}
	if addr := f.allocateFromTop(total); addr != nullAddr {
		return f.payloadAddr(addr)
	}
	return nullAddr
}

func (f *FineAllocator) allocatePageBacked(total uint32) uint32 {
	pageSize := f.pageThreshold()
	pages := (total + pageSize - 1) >> f.pageSizeShift
	order := orderFor(pages)
	addr := f.pages.AllocHigh(order)
	if addr == nullAddr {
		return nullAddr
	}
	size := (uint32(1) << order) << f.pageSizeShift
	h := f.headerAt(addr)
	h.prevSize = 0
	h.sizeAndFlags = size | flagPrevInUse | flagPageAllocated
	return addr
}

// allocateFromFastBin scans upward from total's own order through every
// higher fast-bin order until it finds a non-empty stack, mirroring
// allocateFromLargeBin's upward scan instead of giving up on the first
// empty bin.
func (f *FineAllocator) allocateFromFastBin(total uint32) uint32 {
	order := orderFor(total)
	for ; order < f.fastBinMaxOrder; order++ {
		addr := f.fast[order]
		if addr == nullAddr {
			continue
		}
		f.unlinkSmall(&f.fast[order], addr)
		return f.splitUseChunk(addr, total)
	}
	return nullAddr
}

// allocateFromSmallBin scans upward from total's own order through every
// higher small-bin index, taking the first entry in each that is large
// enough, the same upward-scan shape as allocateFromLargeBin.
func (f *FineAllocator) allocateFromSmallBin(total uint32) uint32 {
	order := orderFor(total)
	if order < f.fastBinMaxOrder {
		order = f.fastBinMaxOrder
	}
	for ; order < f.smallBinMaxOrder; order++ {
		idx := order - f.fastBinMaxOrder
		cur := f.small[idx]
		for cur != nullAddr {
			if f.chunkSize(cur) >= total {
				f.unlinkSmall(&f.small[idx], cur)
				return f.splitUseChunk(cur, total)
			}
			cur = f.smallLink(cur).next
		}
	}
	return nullAddr
}

func (f *FineAllocator) allocateFromLargeBin(total uint32) uint32 {
	order := orderFor(total)
	if order < f.smallBinMaxOrder {
		order = f.smallBinMaxOrder
	}
	for idx := order - f.smallBinMaxOrder; idx < uint32(len(f.large)); idx++ {
		cur := f.large[idx]
		for cur != nullAddr {
			if f.chunkSize(cur) >= total {
				link := f.largeLink(cur)
				chosen := cur
				if link.next != nullAddr {
					chosen = link.next
				}
				f.unlinkFromLargeBin(idx, chosen)
				return f.splitUseChunk(chosen, total)
			}
			cur = f.largeLink(cur).nextSize
		}
	}
	return nullAddr
}

// allocateFromUnsorted sweeps the unsorted bin once, filing every entry
// too small to satisfy total into its proper fast/small/large bin, and
// returning the first (not necessarily best) entry large enough to use
// directly.
func (f *FineAllocator) allocateFromUnsorted(total uint32) uint32 {
	var found uint32 = nullAddr
	cur := f.unsorted
	for cur != nullAddr {
		next := f.smallLink(cur).next
		f.unlinkSmall(&f.unsorted, cur)
		if found == nullAddr && f.chunkSize(cur) >= total {
			found = cur
		} else {
			f.arrangeChunk(cur)
		}
		cur = next
	}
	if found == nullAddr {
		return nullAddr
	}
	return f.splitUseChunk(found, total)
}

// splitUseChunk carves exactly `total` bytes off the front of addr, filing
// any sufficiently large remainder back into a bin. A remainder smaller
// than minChunkTotal is never computed as a truncated, suppressed block; it
// is simply left attached to the returned chunk.
func (f *FineAllocator) splitUseChunk(addr uint32, total uint32) uint32 {
	available := f.chunkSize(addr)
	remainder := available - total
	if remainder < minChunkTotal {
		f.setPrevInUse(f.nextPhysical(addr), true)
		return addr
	}

	f.setChunkSize(addr, total)
	remAddr := addr + total
	remHeader := f.headerAt(remAddr)
	remHeader.prevSize = 0
	remHeader.sizeAndFlags = remainder | flagPrevInUse

	next := f.nextPhysical(remAddr)
	f.setPrevInUse(next, false)
	f.headerAt(next).prevSize = remainder

	f.arrangeChunk(remAddr)
	return addr
}

func (f *FineAllocator) topChunkInit() bool {
	pageSize := f.region.PageSize()
	addr, ok := f.pages.AllocLow(1)
	if !ok {
		return false
	}
	h := f.headerAt(addr)
	h.prevSize = 0
	h.sizeAndFlags = pageSize | flagPrevInUse
	f.topChunk = addr
	f.log.Debug("top chunk initialized", zap.Uint32("addr", addr), zap.Uint32("size", pageSize))
	return true
}

func (f *FineAllocator) increaseTopChunk(extra uint32) bool {
	pageSize := f.region.PageSize()
	pagesNeeded := (extra + pageSize - 1) / pageSize
	_, ok := f.pages.AllocLow(pagesNeeded)
	if !ok {
		return false
	}
	newSize := f.chunkSize(f.topChunk) + pagesNeeded*pageSize
	f.setChunkSize(f.topChunk, newSize)
	f.log.Debug("top chunk grown", zap.Uint32("size", newSize))
	return true
}

func (f *FineAllocator) allocateFromTop(total uint32) uint32 {
	if f.topChunk == nullAddr {
		if !f.topChunkInit() {
			return nullAddr
		}
	}
	if f.chunkSize(f.topChunk) < total {
		if !f.increaseTopChunk(total - f.chunkSize(f.topChunk)) {
			return nullAddr
		}
	}

	used := f.topChunk
	remaining := f.chunkSize(f.topChunk) - total
	newTop := used + total

	oldFlags := f.headerAt(used).sizeAndFlags & 0x3
	f.headerAt(used).sizeAndFlags = total | oldFlags

	newTopHeader := f.headerAt(newTop)
	newTopHeader.prevSize = 0
	newTopHeader.sizeAndFlags = remaining | flagPrevInUse
	f.topChunk = newTop

	return used
}

// shrinkTopChunk releases whole low pages off the tail of the top chunk
// back to the page allocator, keeping at least one page committed so the
// top chunk always has a valid header to live in.
func (f *FineAllocator) shrinkTopChunk() {
	pageSize := f.region.PageSize()
	size := f.chunkSize(f.topChunk)
	releasable := size / pageSize
	if releasable == 0 {
		return
	}
	if size%pageSize == 0 {
		releasable--
	}
	if releasable == 0 {
		return
	}
	f.pages.FreeLow(releasable)
	f.setChunkSize(f.topChunk, size-releasable*pageSize)
	f.log.Debug("top chunk shrunk", zap.Uint32("size", f.chunkSize(f.topChunk)))
}

// Deallocate releases a chunk previously returned by Allocate. Page-backed
// chunks go straight back to the page allocator; fine chunks coalesce with
// a free physical predecessor and/or successor, then either fold into the
// top chunk (triggering shrinkTopChunk) or are filed in the unsorted bin.
func (f *FineAllocator) Deallocate(payload uint32) {
	addr := f.chunkOf(payload)

	if f.pageAllocated(addr) {
		size := f.chunkSize(addr)
		pages := size >> f.pageSizeShift
		f.pages.FreeHigh(addr, orderFor(pages))
		return
	}

	if !f.prevInUse(addr) {
		prev := f.prevPhysical(addr)
		f.safelyUnlinkChunk(prev)
		f.setChunkSize(prev, f.chunkSize(prev)+f.chunkSize(addr))
		addr = prev
	}

	next := f.nextPhysical(addr)
	if next != f.topChunk && !f.currentInUse(next) {
		f.safelyUnlinkChunk(next)
		f.setChunkSize(addr, f.chunkSize(addr)+f.chunkSize(next))
	}

	next = f.nextPhysical(addr)
	if next == f.topChunk {
		f.setChunkSize(addr, f.chunkSize(addr)+f.chunkSize(f.topChunk))
		f.topChunk = addr
		f.shrinkTopChunk()
		return
	}

	f.headerAt(next).prevSize = f.chunkSize(addr)
	f.setPrevInUse(next, false)
	f.pushSmall(&f.unsorted, addr)
}
