package allocator

import "github.com/cockroachdb/errors"

// Sentinel errors returned from construction paths. The hot allocate/free
// paths never return an error: per the façade's contract they report
// failure through a null address/sentinel value instead, matching
// __gba_malloc/__gba_pagealloc returning a null chunk/page rather than
// propagating a diagnostic.
var (
	ErrZeroPageSize  = errors.New("allocator: page size shift must be positive")
	ErrZeroMaxOrder  = errors.New("allocator: max order must be positive")
	ErrArenaTooSmall = errors.New("allocator: arena too small for requested layout")
	ErrBadObjectSize = errors.New("allocator: slab object size too small to hold a free-list link")
	ErrTooManyOrders = errors.New("allocator: max order exceeds region's addressable page count")
)
