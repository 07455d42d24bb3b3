// Package scaling implements the fleet sizing operations (add/remove/
// scale-to/auto-balance) that sit above the instance registry.
package scaling

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/energizer/internal/capacity"
	"github.com/energizer-project/energizer/internal/events"
)

// Errors returned by Engine operations. Callers get back a typed sentinel
// rather than a state change — scaling operations never partially apply.
var (
	ErrAtMaximum     = errors.New("scaling: at maximum server count")
	ErrInvalidN      = errors.New("scaling: invalid server count")
	ErrNoEligible    = errors.New("scaling: no eligible servers to remove")
	ErrAutoBalanceOff = errors.New("scaling: auto-scaling is disabled")
)

// InstanceView is the read-only slice of instance state the scaling engine
// needs to make add/remove decisions, independent of internal/server's
// concrete Instance type.
type InstanceView struct {
	ID         int
	Status     events.GameStatus
	NumClients int
}

// Provider is the narrow surface the scaling engine operates over. A
// *server.Manager satisfies it; tests can supply a fake.
type Provider interface {
	Instances() []InstanceView
	AddNewServer() int
	Start(ctx context.Context, id int) error
	Stop(ctx context.Context, id int, graceful bool) error
}

// Limits bounds what the engine is allowed to do, sourced from
// config.HoNData.AutoScaling and the capacity calculator.
type Limits struct {
	Enabled      bool
	Min          int
	Max          int
	MinIdleReady int
}

// Engine implements the add/remove/scale-to/auto-balance operations over a
// Provider, deferring all sizing math to Limits and internal/capacity.
type Engine struct {
	provider Provider
	limits   func() Limits
}

// NewEngine creates a scaling Engine. limits is a callback so the engine
// always sees the live config value rather than a snapshot taken at
// construction time.
func NewEngine(provider Provider, limits func() Limits) *Engine {
	return &Engine{provider: provider, limits: limits}
}

// MaxAllowed returns min(configured max, capacity.Capacity(cpuCount, perCoreFactor)).
func MaxAllowed(configuredMax, cpuCount int, perCoreFactor float64) int {
	capped := capacity.Capacity(cpuCount, perCoreFactor)
	if configuredMax > 0 && configuredMax < capped {
		return configuredMax
	}
	return capped
}

// Add creates n new servers and starts each one.
func (e *Engine) Add(ctx context.Context, n int, max int) error {
	if n <= 0 {
		return fmt.Errorf("%w: n=%d", ErrInvalidN, n)
	}

	current := len(e.provider.Instances())
	if current+n > max {
		return fmt.Errorf("%w: current=%d requested=%d max=%d", ErrAtMaximum, current, n, max)
	}

	ids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, e.provider.AddNewServer())
	}
	for _, id := range ids {
		if err := e.provider.Start(ctx, id); err != nil {
			log.Error().Err(err).Int("id", id).Msg("failed to start newly added server")
		}
	}

	log.Info().Int("count", n).Ints("ids", ids).Msg("scaling engine added servers")
	return nil
}

// removalPriority ranks candidates for Remove: Idle/Queued first, then
// Ready, then Occupied-with-zero-clients, then Occupied. Lower is removed
// first.
func removalPriority(v InstanceView) int {
	switch v.Status {
	case events.GameStatusQueued, events.GameStatusStopped:
		return 0
	case events.GameStatusReady:
		return 1
	case events.GameStatusOccupied:
		if v.NumClients == 0 {
			return 2
		}
		return 3
	default:
		return 4
	}
}

// Remove stops n servers, selected by removal priority. When force is
// false, Occupied instances with players are never selected.
func (e *Engine) Remove(ctx context.Context, n int, force bool) error {
	if n <= 0 {
		return fmt.Errorf("%w: n=%d", ErrInvalidN, n)
	}

	instances := e.provider.Instances()
	candidates := make([]InstanceView, 0, len(instances))
	for _, v := range instances {
		if !force && v.Status == events.GameStatusOccupied && v.NumClients > 0 {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return ErrNoEligible
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return removalPriority(candidates[i]) < removalPriority(candidates[j])
	})

	if n > len(candidates) {
		n = len(candidates)
	}

	for _, v := range candidates[:n] {
		if err := e.provider.Stop(ctx, v.ID, true); err != nil {
			log.Error().Err(err).Int("id", v.ID).Msg("failed to stop server during scale-down")
		}
	}

	log.Info().Int("count", n).Bool("force", force).Msg("scaling engine removed servers")
	return nil
}

// ScaleTo adjusts the fleet to exactly t running instances, bounded by max.
func (e *Engine) ScaleTo(ctx context.Context, t int, max int) error {
	if t < 0 || t > max {
		return fmt.Errorf("%w: target=%d max=%d", ErrInvalidN, t, max)
	}

	current := len(e.provider.Instances())
	delta := t - current

	switch {
	case delta > 0:
		return e.Add(ctx, delta, max)
	case delta < 0:
		return e.Remove(ctx, -delta, false)
	default:
		return nil
	}
}

// AutoBalance keeps at least MinIdleReady servers idle-or-ready without
// exceeding Max, and trims one excess idle server at a time back toward
// Min. It is idempotent on a stable fleet: a second call in a row with no
// intervening state change is a no-op.
func (e *Engine) AutoBalance(ctx context.Context) error {
	limits := e.limits()
	if !limits.Enabled {
		return ErrAutoBalanceOff
	}

	instances := e.provider.Instances()
	idle := 0
	for _, v := range instances {
		if v.Status == events.GameStatusQueued || v.Status == events.GameStatusReady {
			idle++
		}
	}
	total := len(instances)

	switch {
	case idle < limits.MinIdleReady:
		deficit := limits.MinIdleReady - idle
		return e.Add(ctx, deficit, limits.Max)
	case idle > limits.MinIdleReady+1 && total > limits.Min:
		return e.Remove(ctx, 1, false)
	default:
		return nil
	}
}
