package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/bloombot/pkg/audio"
)

var _ audio.Platform = (*GuardedPlatform)(nil)

// GuardedPlatform wraps an [audio.Platform] so that every Connect runs
// through a shared [CircuitBreaker]. Established connections are returned
// unchanged.
type GuardedPlatform struct {
	inner   audio.Platform
	breaker *CircuitBreaker
}

// GuardPlatform wraps p with a breaker built from cfg.
func GuardPlatform(p audio.Platform, cfg CircuitBreakerConfig) *GuardedPlatform {
	return &GuardedPlatform{inner: p, breaker: NewCircuitBreaker(cfg)}
}

// Breaker returns the breaker guarding Connect.
func (g *GuardedPlatform) Breaker() *CircuitBreaker { return g.breaker }

// Connect implements [audio.Platform]. While the breaker is open it fails
// immediately with an error matching [ErrCircuitOpen].
func (g *GuardedPlatform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	var conn audio.Connection
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		conn, err = g.inner.Connect(ctx, guildID, channelID)
		return err
	})
	if err != nil {
		if conn != nil {
			_ = conn.Disconnect()
		}
		return nil, fmt.Errorf("resilience: connect guild %s: %w", guildID, err)
	}
	return conn, nil
}
