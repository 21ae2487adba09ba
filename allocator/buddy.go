package allocator

import "go.uber.org/zap"

// pageListLink is the intrusive doubly linked list node embedded at the
// base address of every free high page block: one next/prev pair per
// order, with each order owning its own head in PageAllocator.freeList.
type pageListLink struct {
	next uint32
	prev uint32
}

// PageAllocator is the L1 page allocator: a single region split by two
// break points. lpbrk counts committed low pages, bump allocated upward
// from the region base to back the fine allocator's top chunk. hpbrk
// counts committed high pages, buddy-managed and growing downward from the
// region's top address. Both counters share one pfn space with reversed
// numbering: the highest address is pfn 0.
type PageAllocator struct {
	region *Region

	lpbrk uint32
	hpbrk uint32

	freeList []uint32
	bitmap   []byte

	log *zap.Logger
}

// NewPageAllocator constructs a PageAllocator over region, with both break
// points at zero (no low or high pages committed).
func NewPageAllocator(region *Region, opts ...Option) *PageAllocator {
	options := defaultOptions()
	options.apply(opts)

	order := region.MaxOrder()
	freeList := make([]uint32, order)
	for i := range freeList {
		freeList[i] = nullAddr
	}

	p := &PageAllocator{
		region:   region,
		freeList: freeList,
		bitmap:   make([]byte, region.bitmapTotalBytes),
		log:      options.logger,
	}
	p.log.Debug("page allocator constructed",
		zap.Uint32("totalPages", region.TotalPages()),
		zap.Uint32("maxOrder", order),
	)
	return p
}

func (p *PageAllocator) linkAt(addr uint32) *pageListLink {
	return (*pageListLink)(p.region.at(addr))
}

func (p *PageAllocator) listPush(order uint32, addr uint32) {
	link := p.linkAt(addr)
	head := p.freeList[order]
	link.prev = nullAddr
	link.next = head
	if head != nullAddr {
		p.linkAt(head).prev = addr
	}
	p.freeList[order] = addr
}

func (p *PageAllocator) listRemove(order uint32, addr uint32) {
	link := p.linkAt(addr)
	if link.prev != nullAddr {
		p.linkAt(link.prev).next = link.next
	} else {
		p.freeList[order] = link.next
	}
	if link.next != nullAddr {
		p.linkAt(link.next).prev = link.prev
	}
}

func (p *PageAllocator) listPopHead(order uint32) uint32 {
	addr := p.freeList[order]
	if addr == nullAddr {
		return nullAddr
	}
	p.listRemove(order, addr)
	return addr
}

func (p *PageAllocator) bitSet(order, pfn uint32) {
	idx, bit := p.region.bitIndex(order, pfn)
	p.bitmap[idx] |= 1 << bit
}

func (p *PageAllocator) bitClear(order, pfn uint32) {
	idx, bit := p.region.bitIndex(order, pfn)
	p.bitmap[idx] &^= 1 << bit
}

func (p *PageAllocator) bitHas(order, pfn uint32) bool {
	idx, bit := p.region.bitIndex(order, pfn)
	return p.bitmap[idx]&(1<<bit) != 0
}

// pfnBaseToAddr returns the handle address of a block of the given order
// whose lowest pfn is basePfn. Because pfn numbering is reversed, the
// block's lowest arena address corresponds to its highest pfn,
// basePfn+size-1.
func (p *PageAllocator) pfnBaseToAddr(basePfn, order uint32) uint32 {
	size := uint32(1) << order
	return p.region.pfnToAddr(basePfn + size - 1)
}

// addrToPfnBase is the inverse of pfnBaseToAddr.
func (p *PageAllocator) addrToPfnBase(addr, order uint32) uint32 {
	size := uint32(1) << order
	return p.region.addrToPfn(addr) - size + 1
}

func (p *PageAllocator) pushFree(order, basePfn uint32) {
	p.listPush(order, p.pfnBaseToAddr(basePfn, order))
	p.bitSet(order, basePfn)
}

// AllocLow bump-allocates pageCount contiguous low pages and returns the
// address of the first one. It reports false when doing so would collide
// with the committed high region.
func (p *PageAllocator) AllocLow(pageCount uint32) (addr uint32, ok bool) {
	if pageCount == 0 {
		return 0, false
	}
	if p.lpbrk+pageCount+p.hpbrk > p.region.TotalPages() {
		return 0, false
	}
	addr = p.lpbrk * p.region.PageSize()
	p.lpbrk += pageCount
	p.log.Debug("low break grown", zap.Uint32("lpbrk", p.lpbrk))
	return addr, true
}

// FreeLow releases numFree pages from the top of the committed low region
// (shrinks lpbrk). Freeing more pages than are committed clamps to the
// full low region.
func (p *PageAllocator) FreeLow(numFree uint32) {
	if numFree > p.lpbrk {
		numFree = p.lpbrk
	}
	p.lpbrk -= numFree
	p.log.Debug("low break shrunk", zap.Uint32("lpbrk", p.lpbrk))
}

// LowBreakAddress returns the address of the last committed low page
// (page index lpbrk-1), the base address the fine allocator grows its top
// chunk from. It reports false when no low page is committed yet.
func (p *PageAllocator) LowBreakAddress() (uint32, bool) {
	if p.lpbrk == 0 {
		return 0, false
	}
	return (p.lpbrk - 1) * p.region.PageSize(), true
}

// AllocHigh allocates a single block of 1<<order contiguous pages from the
// buddy-managed high region, growing hpbrk if no free block of a
// sufficient order is available. It returns nullAddr on exhaustion.
func (p *PageAllocator) AllocHigh(order uint32) uint32 {
	maxOrder := p.region.MaxOrder()
	if order >= maxOrder {
		return nullAddr
	}

	if addr := p.listPopHead(order); addr != nullAddr {
		basePfn := p.addrToPfnBase(addr, order)
		p.bitClear(order, basePfn)
		return addr
	}

	for o := order + 1; o < maxOrder; o++ {
		addr := p.listPopHead(o)
		if addr == nullAddr {
			continue
		}
		basePfn := p.addrToPfnBase(addr, o)
		p.bitClear(o, basePfn)
		return p.splitDown(basePfn, o, order)
	}

	return p.growHigh(order)
}

// splitDown repeatedly halves a free block starting at basePfn of order
// curOrder until it reaches targetOrder, pushing each unused upper half
// into its own freelist, and returns the address of the remaining half at
// targetOrder.
func (p *PageAllocator) splitDown(basePfn, curOrder, targetOrder uint32) uint32 {
	for curOrder > targetOrder {
		curOrder--
		half := uint32(1) << curOrder
		p.pushFree(curOrder, basePfn+half)
	}
	return p.pfnBaseToAddr(basePfn, targetOrder)
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// growHigh extends hpbrk to make room for a fresh block of the given
// order. If hpbrk was not already aligned to the block's size, the gap is
// padded with free blocks of decreasing order walked backward from the
// block's own (aligned) base toward hpbrk, so every padding block's
// position is aligned to its own size by construction. It returns
// nullAddr if growth would collide with the low region.
func (p *PageAllocator) growHigh(order uint32) uint32 {
	size := uint32(1) << order
	alignedBase := alignUp(p.hpbrk, size)
	newHpbrk := alignedBase + size

	if uint64(newHpbrk)+uint64(p.lpbrk) > uint64(p.region.TotalPages()) {
		return nullAddr
	}

	base := p.hpbrk
	pos := alignedBase
	for o := order; o > 0; {
		o--
		sz := uint32(1) << o
		if pos >= sz && pos-sz >= base {
			pos -= sz
			p.pushFree(o, pos)
		}
	}

	p.hpbrk = newHpbrk
	p.log.Debug("high break grown", zap.Uint32("hpbrk", p.hpbrk))
	return p.pfnBaseToAddr(alignedBase, order)
}

// FreeHigh returns a previously allocated block of 1<<order pages to the
// buddy allocator, merging with its buddy repeatedly while possible, then
// either releasing the result back to uncommitted space (when it abuts the
// current break) or filing it in the appropriate freelist.
func (p *PageAllocator) FreeHigh(addr uint32, order uint32) {
	maxOrder := p.region.MaxOrder()
	curPfn := p.addrToPfnBase(addr, order)
	curOrder := order

	for curOrder+1 < maxOrder {
		buddyPfn := curPfn ^ (uint32(1) << curOrder)
		size := uint32(1) << curOrder
		if buddyPfn+size > p.hpbrk {
			break
		}
		if !p.bitHas(curOrder, buddyPfn) {
			break
		}
		p.listRemove(curOrder, p.pfnBaseToAddr(buddyPfn, curOrder))
		p.bitClear(curOrder, buddyPfn)
		if buddyPfn < curPfn {
			curPfn = buddyPfn
		}
		curOrder++
	}

	if curPfn+(uint32(1)<<curOrder) == p.hpbrk {
		p.hpbrk = curPfn
		p.shrinkHigh()
		return
	}
	p.pushFree(curOrder, curPfn)
}

// shrinkHigh releases committed high pages back to uncommitted space for
// as long as the page frames immediately below the current break are
// themselves free blocks, restarting the order scan from zero after every
// successful shrink (grounded on buddy.hpp's shrinkHighPage).
func (p *PageAllocator) shrinkHigh() {
	maxOrder := p.region.MaxOrder()
	for {
		shrunk := false
		for o := uint32(0); o < maxOrder; o++ {
			size := uint32(1) << o
			if p.hpbrk < size {
				continue
			}
			candidate := p.hpbrk - size
			if candidate&(size-1) != 0 {
				continue
			}
			if !p.bitHas(o, candidate) {
				continue
			}
			p.listRemove(o, p.pfnBaseToAddr(candidate, o))
			p.bitClear(o, candidate)
			p.hpbrk = candidate
			shrunk = true
			break
		}
		if !shrunk {
			break
		}
	}
	p.log.Debug("high break shrunk", zap.Uint32("hpbrk", p.hpbrk))
}
