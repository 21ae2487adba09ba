// Package allocator implements a three-layer memory-management core for a
// constrained, single-core embedded target: a buddy page allocator over a
// fixed arena, a Doug-Lea-style fine (byte-granular) chunk allocator layered
// on top of it, and a fixed-size slab allocator layered alongside it.
package allocator

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// nullAddr is the sentinel meaning "no node"/"no block". Zero is not usable
// as the sentinel here because it is a legitimate arena offset (the first
// low page and the highest-pfn high page both live at offset zero), so every
// intrusive list head and link field in this package uses nullAddr instead.
const nullAddr uint32 = 1<<32 - 1

// RegionConfig describes the static, compile/init-time shape of a managed
// memory region. PageSizeShift is S: the page size is 1<<S
// bytes. MaxOrder is K: valid buddy orders are 0..K-1, so a region supports
// blocks of up to 1<<(K-1) pages. TotalPages is N; when left at zero it is
// derived from the arena's length.
type RegionConfig struct {
	PageSizeShift uint32
	MaxOrder      uint32
	TotalPages    uint32
}

// Region is the L0 descriptor: it owns the backing arena and knows how to
// translate between byte offsets into that arena and reversed page frame
// numbers (the page at the highest address is pfn 0, the page at the base
// is pfn N-1). It performs no allocation itself; buddy, fine and slab
// allocators are all built on top of it.
type Region struct {
	pageSizeShift uint32
	maxOrder      uint32
	totalPages    uint32

	bitmapOrderOffset []uint32
	bitmapTotalBytes  uint32

	arena []byte
	log   *zap.Logger
}

// NewRegion validates cfg and constructs a Region over arena. The arena is
// not copied; the caller retains ownership and must not touch it for the
// lifetime of any allocator built on top of this Region (exclusive
// single-context use is the caller's responsibility).
func NewRegion(cfg RegionConfig, arena []byte, opts ...Option) (*Region, error) {
	options := defaultOptions()
	options.apply(opts)

	if cfg.PageSizeShift == 0 {
		return nil, errors.Wrap(ErrZeroPageSize, "NewRegion")
	}
	if cfg.MaxOrder == 0 {
		return nil, errors.Wrap(ErrZeroMaxOrder, "NewRegion")
	}

	pageSize := uint32(1) << cfg.PageSizeShift
	totalPages := cfg.TotalPages
	if totalPages == 0 {
		totalPages = uint32(len(arena)) / pageSize
	}
	if totalPages == 0 {
		return nil, errors.Wrapf(ErrArenaTooSmall, "arena of %d bytes holds no pages of size %d", len(arena), pageSize)
	}
	if uint64(totalPages)*uint64(pageSize) > uint64(len(arena)) {
		return nil, errors.Wrapf(ErrArenaTooSmall, "arena of %d bytes too small for %d pages of size %d",
			len(arena), totalPages, pageSize)
	}
	if cfg.MaxOrder >= 32 || (uint32(1)<<cfg.MaxOrder) > totalPages+1 {
		return nil, errors.Wrapf(ErrTooManyOrders, "maxOrder %d exceeds capacity of %d pages", cfg.MaxOrder, totalPages)
	}

	orderOffset, totalBits := buildBitmapLayout(totalPages, cfg.MaxOrder)

	r := &Region{
		pageSizeShift:     cfg.PageSizeShift,
		maxOrder:          cfg.MaxOrder,
		totalPages:        totalPages,
		bitmapOrderOffset: orderOffset,
		bitmapTotalBytes:  (totalBits + 7) / 8,
		arena:             arena,
		log:               options.logger,
	}
	r.log.Debug("region constructed",
		zap.Uint32("pageSizeShift", cfg.PageSizeShift),
		zap.Uint32("maxOrder", cfg.MaxOrder),
		zap.Uint32("totalPages", totalPages),
	)
	return r, nil
}

// buildBitmapLayout computes, for a region of n total pages and k orders,
// the bit offset at which each order's bitmap entries begin. Order o needs
// ceil(n/2^o) bits (one per possible block start position at that order),
// packed contiguously ahead of order o+1's entries.
func buildBitmapLayout(n uint32, k uint32) ([]uint32, uint32) {
	offsets := make([]uint32, k)
	var cursor uint32
	for o := uint32(0); o < k; o++ {
		offsets[o] = cursor
		cursor += (n + (1 << o) - 1) >> o
	}
	return offsets, cursor
}

// PageSize returns 1<<PageSizeShift, in bytes.
func (r *Region) PageSize() uint32 { return uint32(1) << r.pageSizeShift }

// TotalPages returns N, the total number of page frames in the region.
func (r *Region) TotalPages() uint32 { return r.totalPages }

// MaxOrder returns K, the exclusive upper bound on buddy block orders.
func (r *Region) MaxOrder() uint32 { return r.maxOrder }

// addrToPfn converts an arena byte offset to its reversed page frame
// number: pfn = N - 1 - (addr >> S).
func (r *Region) addrToPfn(addr uint32) uint32 {
	return r.totalPages - 1 - (addr >> r.pageSizeShift)
}

// pfnToAddr is the inverse of addrToPfn.
func (r *Region) pfnToAddr(pfn uint32) uint32 {
	return (r.totalPages - 1 - pfn) << r.pageSizeShift
}

// at returns an unsafe pointer to the byte at the given arena offset, for
// use by the allocators layered on top of this region to read and write
// intrusive header and link structures in place.
func (r *Region) at(addr uint32) unsafe.Pointer {
	return unsafe.Pointer(&r.arena[addr])
}

// bitIndex locates the (byte, bit) position within the packed bitmap for
// the block starting at pfn at the given order.
func (r *Region) bitIndex(order uint32, pfn uint32) (idx uint32, bit uint32) {
	pos := r.bitmapOrderOffset[order] + (pfn >> order)
	return pos >> 3, pos & 7
}
