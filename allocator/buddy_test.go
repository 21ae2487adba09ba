package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestPageAllocator(t *testing.T) (*Region, *PageAllocator) {
	t.Helper()
	arena := make([]byte, 256)
	region, err := NewRegion(RegionConfig{PageSizeShift: 4, MaxOrder: 4}, arena)
	assert.NoError(t, err)
	return region, NewPageAllocator(region)
}

func TestPageAllocatorLowBreak(t *testing.T) {
	_, p := newTestPageAllocator(t)

	_, ok := p.LowBreakAddress()
	assert.False(t, ok)

	addr, ok := p.AllocLow(3)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), addr)
	breakAddr, ok := p.LowBreakAddress()
	assert.True(t, ok)
	assert.Equal(t, uint32(2*16), breakAddr)

	addr, ok = p.AllocLow(2)
	assert.True(t, ok)
	assert.Equal(t, uint32(3*16), addr)

	p.FreeLow(2)
	breakAddr, ok = p.LowBreakAddress()
	assert.True(t, ok)
	assert.Equal(t, uint32(2*16), breakAddr)

	_, ok = p.AllocLow(14)
	assert.False(t, ok)

	_, ok = p.AllocLow(13)
	assert.True(t, ok)
}

func TestPageAllocatorHighGrowAndMerge(t *testing.T) {
	_, p := newTestPageAllocator(t)

	a0 := p.AllocHigh(0)
	assert.Equal(t, uint32(240), a0)
	assert.Equal(t, uint32(1), p.hpbrk)

	a1 := p.AllocHigh(1)
	assert.Equal(t, uint32(192), a1)
	assert.Equal(t, uint32(4), p.hpbrk)

	a2 := p.AllocHigh(0)
	assert.Equal(t, uint32(224), a2)

	p.FreeHigh(a0, 0)
	assert.True(t, p.bitHas(0, 0))

	p.FreeHigh(a2, 0)
	// a0 and a2 merge into one order-1 block; neighbor order-1 block (a1)
	// is still in use so the merged pair stays filed, not folded into top.
	assert.Equal(t, uint32(4), p.hpbrk)
	assert.True(t, p.bitHas(1, 0))

	p.FreeHigh(a1, 1)
	// freeing the last live block lets every freed neighbor fold back
	// into the break, shrinking it all the way to zero.
	assert.Equal(t, uint32(0), p.hpbrk)
}

func TestPageAllocatorGrowPadsAndShrinkUnwinds(t *testing.T) {
	_, p := newTestPageAllocator(t)

	small := p.AllocHigh(0)
	assert.Equal(t, uint32(240), small)
	assert.Equal(t, uint32(1), p.hpbrk)

	big := p.AllocHigh(2)
	assert.Equal(t, uint32(128), big)
	assert.Equal(t, uint32(8), p.hpbrk)
	// growth padded the unaligned gap with an order-1 and an order-0 free
	// block instead of leaving it uncommitted, walking backward from the
	// new block's aligned base so each padding block lands on a position
	// aligned to its own size.
	assert.True(t, p.bitHas(1, 2))
	assert.True(t, p.bitHas(0, 1))

	p.FreeHigh(big, 2)
	// releasing the big block lets the padding blocks fold back in too,
	// leaving only the original small allocation committed.
	assert.Equal(t, uint32(1), p.hpbrk)
	assert.False(t, p.bitHas(1, 2))
	assert.False(t, p.bitHas(0, 1))
}

func TestPageAllocatorAllocHighExhaustion(t *testing.T) {
	_, p := newTestPageAllocator(t)
	_, ok := p.AllocLow(16)
	assert.True(t, ok)

	addr := p.AllocHigh(0)
	assert.Equal(t, nullAddr, addr)
}

func TestPageAllocatorSplitDown(t *testing.T) {
	_, p := newTestPageAllocator(t)

	big := p.AllocHigh(2) // pfn 0-3, hpbrk -> 4
	assert.Equal(t, uint32(192), big)
	assert.Equal(t, uint32(4), p.hpbrk)

	guard := p.AllocHigh(0) // pfn 4, hpbrk -> 5, keeps big from bordering the break once freed
	assert.Equal(t, uint32(176), guard)
	assert.Equal(t, uint32(5), p.hpbrk)

	p.FreeHigh(big, 2)
	assert.Equal(t, uint32(5), p.hpbrk)
	assert.True(t, p.bitHas(2, 0))

	addr := p.AllocHigh(0)
	assert.Equal(t, uint32(240), addr)
	// hpbrk unchanged: the request was satisfied by splitting the free
	// order-2 block rather than growing the break.
	assert.Equal(t, uint32(5), p.hpbrk)
	assert.True(t, p.bitHas(1, 2))
	assert.True(t, p.bitHas(0, 1))
}
