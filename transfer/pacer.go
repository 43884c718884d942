package transfer

import (
	"context"

	"golang.org/x/time/rate"
)

const (
	// DefaultChunksPerSecond bounds the sustained send rate.
	DefaultChunksPerSecond = 1000
	// DefaultPaceBurst is the number of chunks sent back to back before pacing.
	DefaultPaceBurst = 10
)

// Pacer spaces chunk sends so a fire-and-forget stream cannot flood the relay.
// A nil Pacer never waits.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a pacer. A non-positive rate disables pacing.
func NewPacer(chunksPerSecond float64, burst int) *Pacer {
	if chunksPerSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = DefaultPaceBurst
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(chunksPerSecond), burst)}
}

// Wait blocks until the next chunk may be sent.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}
	return p.limiter.Wait(ctx)
}
