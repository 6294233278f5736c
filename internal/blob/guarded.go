package blob

import (
	"context"
	"time"

	"dmserver/internal/metrics"
	"dmserver/pkg/circuitbreaker"
)

// Guarded wraps a Store with a per-call timeout and a circuit breaker so an S3
// outage fails requests fast instead of piling them up.
type Guarded struct {
	store   Store
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

func NewGuarded(store Store, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) *Guarded {
	return &Guarded{store: store, breaker: breaker, timeout: timeout}
}

func (g *Guarded) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err := g.breaker.Execute(ctx, fn)
	metrics.RecordTimer("blob_"+op+"_duration", time.Since(start), nil)
	if err != nil {
		metrics.IncrementCounter("blob_errors_total", map[string]string{"operation": op})
	}
	return err
}

func (g *Guarded) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	var ref string
	err := g.call(ctx, "upload", func(ctx context.Context) error {
		var err error
		ref, err = g.store.Upload(ctx, key, data, contentType)
		return err
	})
	return ref, err
}

func (g *Guarded) Copy(ctx context.Context, srcRef, newKey string) (string, error) {
	var ref string
	err := g.call(ctx, "copy", func(ctx context.Context) error {
		var err error
		ref, err = g.store.Copy(ctx, srcRef, newKey)
		return err
	})
	return ref, err
}

func (g *Guarded) Delete(ctx context.Context, ref string) error {
	return g.call(ctx, "delete", func(ctx context.Context) error {
		return g.store.Delete(ctx, ref)
	})
}
