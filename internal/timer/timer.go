// Package timer implements the single process-wide timer that services
// every client's pending-request deadlines (10ms tick) and every
// server's handshake deadlines (100ms tick). Where the source wakes a
// blocked select() by writing to a self-pipe ("event-pair"), this
// implementation ticks every registered instance directly by calling
// its Tick method from one shared timer goroutine per period — the
// goroutine is lazily started on the first registration for that
// period and signalled to stop on the last deregistration (the cancel
// func does not wait for it to exit), via a reference count,
// mirroring a single process-scoped timer thread rather than one OS
// timer per registrant.
package timer

import (
	"sync"
	"time"
)

const (
	// ClientTickPeriod is the pending-table deadline resolution.
	ClientTickPeriod = 10 * time.Millisecond
	// ServerTickPeriod is the handshake-deadline resolution.
	ServerTickPeriod = 100 * time.Millisecond
)

// Tickable is ticked by the shared timer with the elapsed time since its
// previous tick, in milliseconds.
type Tickable interface {
	Tick(deltaMs int64)
}

// Registry is a process-scoped set of registered clients and servers.
// Each period (client, server) is driven by at most one ticker
// goroutine, started when its set goes from empty to non-empty and
// stopped when it goes back to empty.
type Registry struct {
	clients *tickerSet
	servers *tickerSet
}

// Shared is the process-wide registry used by brokers and clients that
// don't construct their own for testing.
var Shared = New()

// New returns an empty registry; tests that want isolation from the
// process-wide Shared registry construct their own.
func New() *Registry {
	return &Registry{
		clients: newTickerSet(ClientTickPeriod),
		servers: newTickerSet(ServerTickPeriod),
	}
}

// RegisterClient starts ticking target every ClientTickPeriod until the
// returned cancel func is called.
func (r *Registry) RegisterClient(target Tickable) (cancel func()) {
	return r.clients.register(target)
}

// RegisterServer starts ticking target every ServerTickPeriod until the
// returned cancel func is called.
func (r *Registry) RegisterServer(target Tickable) (cancel func()) {
	return r.servers.register(target)
}

// tickerSet is the single ticker goroutine, and its refcounted member
// set, for one period.
type tickerSet struct {
	period time.Duration

	mu      sync.Mutex
	members map[Tickable]struct{}
	stop    chan struct{} // non-nil while the goroutine is running
}

func newTickerSet(period time.Duration) *tickerSet {
	return &tickerSet{period: period, members: make(map[Tickable]struct{})}
}

func (s *tickerSet) register(target Tickable) func() {
	s.mu.Lock()
	s.members[target] = struct{}{}
	if s.stop == nil {
		s.stop = make(chan struct{})
		go s.run(s.stop)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.members, target)
			if len(s.members) == 0 && s.stop != nil {
				close(s.stop)
				s.stop = nil
			}
			s.mu.Unlock()
		})
	}
}

func (s *tickerSet) run(stop chan struct{}) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	deltaMs := s.period.Milliseconds()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			targets := make([]Tickable, 0, len(s.members))
			for t := range s.members {
				targets = append(targets, t)
			}
			s.mu.Unlock()
			for _, t := range targets {
				t.Tick(deltaMs)
			}
		case <-stop:
			return
		}
	}
}
