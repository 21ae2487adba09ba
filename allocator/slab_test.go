package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestSlab(t *testing.T, cfg SlabConfig) (*Region, *PageAllocator, *Slab) {
	t.Helper()
	arena := make([]byte, 512)
	region, err := NewRegion(RegionConfig{PageSizeShift: 6, MaxOrder: 3}, arena)
	assert.NoError(t, err)
	pages := NewPageAllocator(region)
	s, err := NewSlab(region, pages, cfg)
	assert.NoError(t, err)
	return region, pages, s
}

func TestSlabAllocateBumpsWithinFrameThenGrowsNewOne(t *testing.T) {
	_, _, s := newTestSlab(t, SlabConfig{ObjectSize: 8, FrameOrder: 0})

	// frame 1 sits at the top page (addr 448), four 8-byte slots after the
	// 32-byte header: 480, 488, 496, 504.
	assert.Equal(t, uint32(480), s.Allocate())
	assert.Equal(t, uint32(488), s.Allocate())
	assert.Equal(t, uint32(496), s.Allocate())
	slot4 := s.Allocate()
	assert.Equal(t, uint32(504), slot4)

	// the frame is now full; a fifth allocation grows a new frame at the
	// next page down (addr 384).
	slot5 := s.Allocate()
	assert.Equal(t, uint32(416), slot5)

	assert.Equal(t, uint32(384), s.partial)
	assert.Equal(t, uint32(448), s.full)
}

func TestSlabFreeFromFullFrameDemotesToPartial(t *testing.T) {
	_, _, s := newTestSlab(t, SlabConfig{ObjectSize: 8, FrameOrder: 0})

	for i := 0; i < 4; i++ {
		s.Allocate()
	}
	assert.Equal(t, uint32(448), s.full)
	assert.Equal(t, nullAddr, s.partial)

	s.Deallocate(480)
	assert.Equal(t, nullAddr, s.full)
	assert.Equal(t, uint32(448), s.partial)

	// the freed slot is reused ahead of bumping further into the frame.
	reused := s.Allocate()
	assert.Equal(t, uint32(480), reused)
}

func TestSlabEmptyFrameBecomesSpareFree(t *testing.T) {
	_, _, s := newTestSlab(t, SlabConfig{ObjectSize: 8, FrameOrder: 0})

	slot := s.Allocate()
	assert.Equal(t, uint32(480), slot)
	assert.Equal(t, uint32(448), s.partial)

	s.Deallocate(slot)
	assert.Equal(t, nullAddr, s.partial)
	assert.Equal(t, uint32(448), s.free)

	// the spare frame is reused (promoted back to partial) instead of
	// allocating a fresh one.
	again := s.Allocate()
	assert.Equal(t, uint32(480), again)
	assert.Equal(t, uint32(448), s.partial)
	assert.Equal(t, nullAddr, s.free)
}

func TestSlabKeepsOnlyOneSpareFrame(t *testing.T) {
	_, pages, s := newTestSlab(t, SlabConfig{ObjectSize: 8, FrameOrder: 0})

	// fill frame 448 completely, then spill one object into a second frame
	// at 384.
	a1 := s.Allocate()
	a2 := s.Allocate()
	a3 := s.Allocate()
	a4 := s.Allocate()
	a5 := s.Allocate()
	assert.Equal(t, uint32(416), a5)
	assert.Equal(t, uint32(2), pages.hpbrk)

	// emptying frame 448 first makes it the spare: it is the higher address
	// of the two frames.
	s.Deallocate(a1)
	s.Deallocate(a2)
	s.Deallocate(a3)
	s.Deallocate(a4)
	assert.Equal(t, uint32(448), s.free)

	// emptying frame 384 next must not evict 448 for it: 384 is the lower
	// address, so it is the one released back to the page allocator, and
	// 448 remains the sole spare.
	s.Deallocate(a5)
	assert.Equal(t, uint32(448), s.free)
	assert.Equal(t, uint32(1), pages.hpbrk)
}

func TestSlabDeallocateImmediatelyReleasesEmptyFrame(t *testing.T) {
	_, pages, s := newTestSlab(t, SlabConfig{ObjectSize: 8, FrameOrder: 0, DeallocateImmediately: true})

	slot := s.Allocate()
	assert.Equal(t, uint32(1), pages.hpbrk)

	s.Deallocate(slot)
	assert.Equal(t, nullAddr, s.free)
	assert.Equal(t, nullAddr, s.partial)
	assert.Equal(t, uint32(0), pages.hpbrk)
}

func TestSlabMagicDetectsCorruption(t *testing.T) {
	_, _, s := newTestSlab(t, SlabConfig{ObjectSize: 8, FrameOrder: 0})

	s.Allocate()
	assert.True(t, s.isSlabHeader(448))

	h := s.headerAt(448)
	h.used = 99
	assert.False(t, s.isSlabHeader(448))
}

func TestSlabPow2KindUsesDistinctMagic(t *testing.T) {
	_, _, s := newTestSlab(t, SlabConfig{Kind: SlabKindPow2, ObjectShift: 3, FrameOrder: 0})
	assert.Equal(t, uint32(8), s.objectSize)

	s.Allocate()
	assert.True(t, s.isSlabHeader(448))
	assert.Equal(t, uint32(SlabKindPow2), s.headerAt(448).typeTag)
	assert.NotEqual(t, magicForType(SlabKindNormal), magicForType(SlabKindPow2))
}

func TestNewSlabRejectsObjectTooSmallForFreeLink(t *testing.T) {
	region, pages, _ := newTestSlab(t, SlabConfig{ObjectSize: 8, FrameOrder: 0})
	_, err := NewSlab(region, pages, SlabConfig{ObjectSize: 2, FrameOrder: 0})
	assert.ErrorIs(t, err, ErrBadObjectSize)
}
