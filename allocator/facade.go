package allocator

import "sync"

// NullAddr is the public spelling of the internal null sentinel, returned
// by PageAlloc/Malloc/SlabAlloc on failure. Zero is not used as the null
// value: it collides with a reachable arena offset, since the low
// region's base and, once the high region fills the arena, its last page
// both sit at offset zero, so every façade operation here returns NullAddr instead.
const NullAddr = nullAddr

// Instance bundles the three cooperating allocators over one region.
type Instance struct {
	Region *Region
	Pages  *PageAllocator
	Fine   *FineAllocator
	Slab   *Slab
}

// NewInstance constructs a page allocator and fine allocator together over
// a freshly built region in one call (callers that want the page
// allocator alone can use NewRegion/NewPageAllocator directly).
func NewInstance(regionCfg RegionConfig, arena []byte, fineCfg FineConfig, opts ...Option) (*Instance, error) {
	region, err := NewRegion(regionCfg, arena, opts...)
	if err != nil {
		return nil, err
	}
	pages := NewPageAllocator(region, opts...)
	fine := NewFineAllocator(region, pages, fineCfg, opts...)
	return &Instance{Region: region, Pages: pages, Fine: fine}, nil
}

// PageAlloc allocates 1<<order contiguous pages, returning NullAddr on
// exhaustion or an out-of-range order.
func (in *Instance) PageAlloc(order uint32) uint32 {
	return in.Pages.AllocHigh(order)
}

// PageFree releases a block previously returned by PageAlloc. A NullAddr
// argument is a silent no-op.
func (in *Instance) PageFree(page uint32, order uint32) {
	if page == NullAddr {
		return
	}
	in.Pages.FreeHigh(page, order)
}

// Malloc allocates size bytes from the fine allocator, returning NullAddr
// on a non-positive size or exhaustion.
func (in *Instance) Malloc(size uint32) uint32 {
	if size == 0 {
		return NullAddr
	}
	return in.Fine.Allocate(size)
}

// Free releases a pointer previously returned by Malloc. A NullAddr
// argument is a silent no-op.
func (in *Instance) Free(ptr uint32) {
	if ptr == NullAddr {
		return
	}
	in.Fine.Deallocate(ptr)
}

// NewSlabInstance constructs a fixed-size slab over in's page allocator,
// tagged by cfg.Kind as either a normal or power-of-two object shape.
func (in *Instance) NewSlabInstance(cfg SlabConfig, opts ...Option) (*Slab, error) {
	return NewSlab(in.Region, in.Pages, cfg, opts...)
}

// SlabAlloc allocates one object from slab, returning NullAddr on
// exhaustion.
func SlabAlloc(slab *Slab) uint32 {
	return slab.Allocate()
}

// SlabFree releases an object previously returned by SlabAlloc. A mismatched
// or NullAddr pointer is a silent no-op.
func SlabFree(slab *Slab, ptr uint32) {
	if ptr == NullAddr {
		return
	}
	slab.Deallocate(ptr)
}

// defaultInstance is an optional process-wide façade instance for callers
// that want a single shared allocator instead of an explicit Instance
// value, guarded by a mutex for construct-once, serialize-access safety.
var (
	defaultMu       sync.Mutex
	defaultInstance *Instance
)

// PageInit idempotently constructs the default process-wide instance over
// arena using regionCfg. The second and later calls are no-ops that report
// success, keeping the existing instance instead of refusing.
func PageInit(regionCfg RegionConfig, arena []byte, opts ...Option) bool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultInstance != nil {
		return true
	}
	region, err := NewRegion(regionCfg, arena, opts...)
	if err != nil {
		return false
	}
	defaultInstance = &Instance{Region: region, Pages: NewPageAllocator(region, opts...)}
	return true
}

// PageHasInit reports whether PageInit has successfully constructed the
// default instance's page allocator.
func PageHasInit() bool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultInstance != nil
}

// PageAlloc allocates from the default instance's page allocator,
// returning NullAddr if PageInit has not been called.
func PageAlloc(order uint32) uint32 {
	defaultMu.Lock()
	in := defaultInstance
	defaultMu.Unlock()
	if in == nil {
		return NullAddr
	}
	return in.PageAlloc(order)
}

// PageFree releases a block through the default instance; a no-op if
// uninitialized.
func PageFree(page uint32, order uint32) {
	defaultMu.Lock()
	in := defaultInstance
	defaultMu.Unlock()
	if in == nil {
		return
	}
	in.PageFree(page, order)
}

// MallocInit idempotently constructs the default instance's fine
// allocator, requiring PageInit to have run first.
func MallocInit(fineCfg FineConfig, opts ...Option) bool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultInstance == nil {
		return false
	}
	if defaultInstance.Fine != nil {
		return true
	}
	defaultInstance.Fine = NewFineAllocator(defaultInstance.Region, defaultInstance.Pages, fineCfg, opts...)
	return true
}

// MallocHasInit reports whether MallocInit has successfully constructed
// the default instance's fine allocator.
func MallocHasInit() bool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultInstance != nil && defaultInstance.Fine != nil
}

// SlabInit idempotently constructs the default instance's slab allocator
// per cfg, requiring PageInit to have run first.
func SlabInit(cfg SlabConfig, opts ...Option) bool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultInstance == nil {
		return false
	}
	if defaultInstance.Slab != nil {
		return true
	}
	slab, err := NewSlab(defaultInstance.Region, defaultInstance.Pages, cfg, opts...)
	if err != nil {
		return false
	}
	defaultInstance.Slab = slab
	return true
}

// SlabHasInit reports whether SlabInit has successfully constructed the
// default instance's slab allocator.
func SlabHasInit() bool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultInstance != nil && defaultInstance.Slab != nil
}

// Malloc allocates from the default instance's fine allocator, returning
// NullAddr if uninitialized, size is zero, or the request cannot be
// satisfied.
func Malloc(size uint32) uint32 {
	defaultMu.Lock()
	in := defaultInstance
	defaultMu.Unlock()
	if in == nil || in.Fine == nil || size == 0 {
		return NullAddr
	}
	return in.Malloc(size)
}

// Free releases a pointer through the default instance's fine allocator;
// a no-op if uninitialized or ptr is NullAddr.
func Free(ptr uint32) {
	defaultMu.Lock()
	in := defaultInstance
	defaultMu.Unlock()
	if in == nil || in.Fine == nil || ptr == NullAddr {
		return
	}
	in.Free(ptr)
}
