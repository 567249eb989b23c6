package supervisor

import (
	"context"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/log"
)

// StopFunc is the cleanup a Component hands back from Start. It is called
// at most once, during Stop, in the reverse of registration order.
type StopFunc func()

// Component is one subsystem the Supervisor owns the lifecycle of —
// pkg/store, pkg/security, pkg/transport-backed clients, pkg/reconciler,
// pkg/monitor, and so on each wrap themselves in one of these to register.
type Component interface {
	// Name identifies the component in logs.
	Name() string
	// Init prepares the component (opening files, loading persisted
	// state) but must not start any background goroutine.
	Init(ctx context.Context) error
	// Start begins the component's background work and returns the
	// closure that stops it.
	Start(ctx context.Context) (StopFunc, error)
}

// closer is implemented by components whose Init opens a resource that
// must be released if a later component's Init fails.
type closer interface {
	Close() error
}

// Supervisor drives Init/Start leaves-first across a fixed, ordered list
// of components and Stop in the reverse order. It is not safe for
// concurrent use of Init/Start/Stop from multiple goroutines at once.
type Supervisor struct {
	components []Component
	stops      []namedStop
}

type namedStop struct {
	name string
	stop StopFunc
}

// New builds a Supervisor over components, in leaves-first order: a
// component must only depend on ones registered before it.
func New(components ...Component) *Supervisor {
	return &Supervisor{components: components}
}

// Init runs Init on every component in registration order. If any Init
// fails, every already-initialized component is unwound (in reverse
// order, via Close where implemented) before the error is returned.
func (s *Supervisor) Init(ctx context.Context) error {
	initialized := make([]Component, 0, len(s.components))
	for _, c := range s.components {
		if err := c.Init(ctx); err != nil {
			s.unwind(initialized)
			return aoserrors.Wrap(aoserrors.KindFailed, "supervisor: init "+c.Name(), err)
		}
		initialized = append(initialized, c)
	}
	return nil
}

func (s *Supervisor) unwind(initialized []Component) {
	for i := len(initialized) - 1; i >= 0; i-- {
		c, ok := initialized[i].(closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			log.Warn("supervisor: unwind " + initialized[i].Name() + ": " + err.Error())
		}
	}
}

// Start runs Start on every component in registration order, recording
// each returned StopFunc. If any Start fails, the StopFuncs already
// recorded are invoked in reverse order before the error is returned, so
// a failed startup never leaves earlier components running.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, c := range s.components {
		stop, err := c.Start(ctx)
		if err != nil {
			s.Stop()
			return aoserrors.Wrap(aoserrors.KindFailed, "supervisor: start "+c.Name(), err)
		}
		s.stops = append(s.stops, namedStop{name: c.Name(), stop: stop})
	}
	return nil
}

// Stop calls every recorded StopFunc in reverse of Start order. A
// component's stop panicking or its error being unrecoverable never
// aborts the sequence — every other component still gets a chance to
// stop cleanly.
func (s *Supervisor) Stop() {
	for i := len(s.stops) - 1; i >= 0; i-- {
		s.safeStop(s.stops[i])
	}
	s.stops = nil
}

func (s *Supervisor) safeStop(ns namedStop) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("supervisor: stop " + ns.name + " panicked")
		}
	}()
	if ns.stop != nil {
		ns.stop()
	}
}
