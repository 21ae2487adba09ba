package allocator

import "go.uber.org/zap"

// Option configures construction of a Region, PageAllocator, FineAllocator
// or Slab. The only option today is WithLogger; more may be added without
// breaking existing callers.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

func defaultOptions() *options {
	return &options{logger: zap.NewNop()}
}

func (o *options) apply(opts []Option) {
	for _, opt := range opts {
		opt(o)
	}
}

// WithLogger attaches a *zap.Logger that the constructed component uses to
// report lifecycle events (construction, break-point growth/shrink, top
// chunk growth/shrink, slab frame allocation/release). Allocation failures and bad-magic detections never log,
// regardless of this option; those stay silent for the caller to handle
// through the returned value.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
