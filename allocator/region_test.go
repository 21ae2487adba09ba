package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRegionDerivesTotalPages(t *testing.T) {
	arena := make([]byte, 256)
	region, err := NewRegion(RegionConfig{PageSizeShift: 4, MaxOrder: 4}, arena)
	assert.NoError(t, err)
	assert.Equal(t, uint32(16), region.TotalPages())
	assert.Equal(t, uint32(16), region.PageSize())
	assert.Equal(t, uint32(4), region.MaxOrder())
}

func TestNewRegionRejectsBadConfig(t *testing.T) {
	arena := make([]byte, 256)

	_, err := NewRegion(RegionConfig{PageSizeShift: 0, MaxOrder: 4}, arena)
	assert.ErrorIs(t, err, ErrZeroPageSize)

	_, err = NewRegion(RegionConfig{PageSizeShift: 4, MaxOrder: 0}, arena)
	assert.ErrorIs(t, err, ErrZeroMaxOrder)

	_, err = NewRegion(RegionConfig{PageSizeShift: 10, MaxOrder: 1}, arena)
	assert.ErrorIs(t, err, ErrArenaTooSmall)

	_, err = NewRegion(RegionConfig{PageSizeShift: 4, MaxOrder: 10, TotalPages: 16}, arena)
	assert.ErrorIs(t, err, ErrTooManyOrders)
}

func TestRegionPfnReversal(t *testing.T) {
	arena := make([]byte, 256)
	region, err := NewRegion(RegionConfig{PageSizeShift: 4, MaxOrder: 4}, arena)
	assert.NoError(t, err)

	// Highest address is pfn 0; base address is pfn N-1.
	assert.Equal(t, uint32(0), region.addrToPfn(15*16))
	assert.Equal(t, uint32(15), region.addrToPfn(0))

	assert.Equal(t, uint32(0), region.pfnToAddr(15))
	assert.Equal(t, uint32(15*16), region.pfnToAddr(0))
}

func TestBuildBitmapLayoutDisjoint(t *testing.T) {
	offsets, total := buildBitmapLayout(16, 4)
	// order 0 needs 16 bits, order 1 needs 8, order 2 needs 4, order 3 needs 2.
	assert.Equal(t, []uint32{0, 16, 24, 28}, offsets)
	assert.Equal(t, uint32(30), total)
}
