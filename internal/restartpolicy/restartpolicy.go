// Package restartpolicy decides when a long-running game server instance
// should be recycled: each instance draws a random target uptime inside a
// configured window. Once past that target it is restarted the next time it
// goes idle, or once max_wait_for_game has passed since the target was
// reached, whichever comes first.
package restartpolicy

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// NextTarget draws a random restart deadline between min and max from now.
// If max <= min the window collapses to a fixed min-from-now deadline.
func NextTarget(min, max time.Duration) time.Time {
	if max <= min {
		return time.Now().Add(min)
	}
	jitter := time.Duration(rand.Int63n(int64(max - min)))
	return time.Now().Add(min + jitter)
}

// Target represents a managed instance as far as the restart sweeper needs
// to know: whether it is idle and past its redraw deadline, and how to
// drain-then-restart it.
type Target interface {
	ID() int
	DueForRestart(now time.Time) bool
	Restart(ctx context.Context) error
}

// Sweeper periodically scans a set of targets and restarts any whose
// DueForRestart reports true.
type Sweeper struct {
	interval time.Duration
	targets  func() []Target
}

// NewSweeper creates a Sweeper that calls targets() on every tick to get the
// current instance set (the registry may grow/shrink between ticks).
func NewSweeper(interval time.Duration, targets func() []Target) *Sweeper {
	return &Sweeper{interval: interval, targets: targets}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, target := range s.targets() {
				if !target.DueForRestart(now) {
					continue
				}
				t := target
				go func() {
					if err := t.Restart(ctx); err != nil {
						log.Error().Err(err).Int("id", t.ID()).Msg("scheduled restart failed")
					}
				}()
			}
		}
	}
}
