package scaling

import (
	"context"
	"errors"
	"testing"

	"github.com/energizer-project/energizer/internal/events"
)

// fakeProvider is an in-memory Provider for exercising the engine without a
// real server.Manager.
type fakeProvider struct {
	nextID   int
	views    map[int]InstanceView
	started  []int
	stopped  []int
}

func newFakeProvider(views ...InstanceView) *fakeProvider {
	p := &fakeProvider{views: make(map[int]InstanceView)}
	maxID := 0
	for _, v := range views {
		p.views[v.ID] = v
		if v.ID > maxID {
			maxID = v.ID
		}
	}
	p.nextID = maxID
	return p
}

func (p *fakeProvider) Instances() []InstanceView {
	out := make([]InstanceView, 0, len(p.views))
	for _, v := range p.views {
		out = append(out, v)
	}
	return out
}

func (p *fakeProvider) AddNewServer() int {
	p.nextID++
	p.views[p.nextID] = InstanceView{ID: p.nextID, Status: events.GameStatusQueued}
	return p.nextID
}

func (p *fakeProvider) Start(ctx context.Context, id int) error {
	p.started = append(p.started, id)
	v := p.views[id]
	v.Status = events.GameStatusReady
	p.views[id] = v
	return nil
}

func (p *fakeProvider) Stop(ctx context.Context, id int, graceful bool) error {
	p.stopped = append(p.stopped, id)
	delete(p.views, id)
	return nil
}

func TestEngineAddStartsEachNewServer(t *testing.T) {
	p := newFakeProvider()
	e := NewEngine(p, func() Limits { return Limits{} })

	if err := e.Add(context.Background(), 3, 10); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(p.views) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(p.views))
	}
	if len(p.started) != 3 {
		t.Fatalf("expected 3 starts, got %d", len(p.started))
	}
}

func TestEngineAddRejectsOverMax(t *testing.T) {
	p := newFakeProvider(
		InstanceView{ID: 1, Status: events.GameStatusReady},
		InstanceView{ID: 2, Status: events.GameStatusReady},
	)
	e := NewEngine(p, func() Limits { return Limits{} })

	err := e.Add(context.Background(), 5, 3)
	if !errors.Is(err, ErrAtMaximum) {
		t.Fatalf("expected ErrAtMaximum, got %v", err)
	}
}

func TestEngineRemovePriorityOrder(t *testing.T) {
	p := newFakeProvider(
		InstanceView{ID: 1, Status: events.GameStatusOccupied, NumClients: 6},
		InstanceView{ID: 2, Status: events.GameStatusQueued},
		InstanceView{ID: 3, Status: events.GameStatusReady},
		InstanceView{ID: 4, Status: events.GameStatusOccupied, NumClients: 0},
	)
	e := NewEngine(p, func() Limits { return Limits{} })

	// Remove 2: should pick id 2 (Queued) then id 3 (Ready) before ever
	// touching the occupied ones.
	if err := e.Remove(context.Background(), 2, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(p.stopped) != 2 {
		t.Fatalf("expected 2 stops, got %d", len(p.stopped))
	}
	for _, id := range p.stopped {
		if id == 1 {
			t.Fatalf("non-force remove must never pick an occupied instance with players")
		}
	}
}

func TestEngineRemoveRefusesOccupiedWithoutForce(t *testing.T) {
	p := newFakeProvider(
		InstanceView{ID: 1, Status: events.GameStatusOccupied, NumClients: 6},
	)
	e := NewEngine(p, func() Limits { return Limits{} })

	err := e.Remove(context.Background(), 1, false)
	if !errors.Is(err, ErrNoEligible) {
		t.Fatalf("expected ErrNoEligible, got %v", err)
	}
}

func TestEngineScaleToNoopWhenAlreadyAtTarget(t *testing.T) {
	p := newFakeProvider(
		InstanceView{ID: 1, Status: events.GameStatusReady},
		InstanceView{ID: 2, Status: events.GameStatusReady},
	)
	e := NewEngine(p, func() Limits { return Limits{} })

	if err := e.ScaleTo(context.Background(), 2, 10); err != nil {
		t.Fatalf("ScaleTo: %v", err)
	}
	if len(p.started) != 0 || len(p.stopped) != 0 {
		t.Fatalf("expected no action, started=%v stopped=%v", p.started, p.stopped)
	}
}

func TestAutoBalanceIdempotentOnStableFleet(t *testing.T) {
	p := newFakeProvider(
		InstanceView{ID: 1, Status: events.GameStatusReady},
		InstanceView{ID: 2, Status: events.GameStatusReady},
		InstanceView{ID: 3, Status: events.GameStatusOccupied, NumClients: 4},
	)
	limits := Limits{Enabled: true, Min: 1, Max: 10, MinIdleReady: 2}
	e := NewEngine(p, func() Limits { return limits })

	if err := e.AutoBalance(context.Background()); err != nil {
		t.Fatalf("first AutoBalance: %v", err)
	}
	firstStarts, firstStops := len(p.started), len(p.stopped)

	if err := e.AutoBalance(context.Background()); err != nil {
		t.Fatalf("second AutoBalance: %v", err)
	}
	if len(p.started) != firstStarts || len(p.stopped) != firstStops {
		t.Fatalf("auto-balance was not idempotent on a stable fleet")
	}
}

func TestAutoBalanceAddsWhenBelowMinIdle(t *testing.T) {
	p := newFakeProvider(
		InstanceView{ID: 1, Status: events.GameStatusReady},
		InstanceView{ID: 2, Status: events.GameStatusOccupied, NumClients: 4},
		InstanceView{ID: 3, Status: events.GameStatusOccupied, NumClients: 2},
		InstanceView{ID: 4, Status: events.GameStatusOccupied, NumClients: 1},
	)
	limits := Limits{Enabled: true, Min: 1, Max: 10, MinIdleReady: 2}
	e := NewEngine(p, func() Limits { return limits })

	if err := e.AutoBalance(context.Background()); err != nil {
		t.Fatalf("AutoBalance: %v", err)
	}
	if len(p.started) != 1 {
		t.Fatalf("expected 1 new server started to reach min_idle_ready, got %d", len(p.started))
	}
}

func TestAutoBalanceDisabled(t *testing.T) {
	p := newFakeProvider()
	e := NewEngine(p, func() Limits { return Limits{Enabled: false} })

	if err := e.AutoBalance(context.Background()); !errors.Is(err, ErrAutoBalanceOff) {
		t.Fatalf("expected ErrAutoBalanceOff, got %v", err)
	}
}
