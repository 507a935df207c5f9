// Package lg sets up logging, tracing and metrics and carries them through
// the context.
package lg

import (
	"context"
	"log"

	"go.uber.org/multierr"
)

// Init configures the logger, meter and tracer for the named application.
// The returned func flushes and stops all three in reverse order.
func Init(ctx context.Context, name string) (context.Context, func(context.Context) error) {
	stop := [3]func() error{
		initLogger(name),
	}
	ctx, stop[1] = initMetrics(ctx, name)
	ctx, stop[2] = initTracing(ctx, name)

	reverse(stop[:])

	return ctx, func(context.Context) error {
		log.Println("flushing logs...")
		errs := make([]error, 0, len(stop))
		for _, fn := range stop {
			if fn == nil {
				continue
			}
			errs = append(errs, fn())
		}
		log.Println("all stopped.")
		return multierr.Combine(errs...)
	}
}

func reverse[T any](s []T) {
	first, last := 0, len(s)-1
	for first < last {
		s[first], s[last] = s[last], s[first]
		first++
		last--
	}
}
