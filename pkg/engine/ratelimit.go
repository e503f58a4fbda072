package engine

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// Gate throttles outbound REST/gRPC calls against an exchange-imposed
// request ceiling. Callers block until a slot frees up; the gate never
// fails a request on its own.
type Gate struct {
	name    string
	limiter *rate.Limiter
}

// NewGate creates a gate allowing rps requests per second with the given burst.
func NewGate(name string, rps float64, burst int) *Gate {
	if burst < 1 {
		burst = 1
	}
	return &Gate{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until a request slot is available or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	if d := time.Since(start); d > time.Second {
		log.Printf("%s gate: blocked %.1fs waiting for request budget", g.name, d.Seconds())
	}
	return nil
}
