package cache

import (
	"context"
	"slices"
	"sync"
)

// Membership describes how a job joined a flight.
type Membership struct {
	FlightID uint64
	// Leader is true when the job created the flight and must enqueue it.
	Leader bool
	// Started is true when the flight was already running at join time.
	Started bool
}

type flight struct {
	id          uint64
	fingerprint string
	subscribers []string
	started     bool
	cancelled   bool
	cancel      context.CancelFunc
}

// Flights tracks at most one joinable execution per fingerprint. Every
// subscriber of a flight receives the outcome of that single execution.
type Flights struct {
	mu    sync.Mutex
	next  uint64
	byFP  map[string]*flight
	byID  map[uint64]*flight
	byJob map[string]uint64
}

// NewFlights creates an empty registry.
func NewFlights() *Flights {
	return &Flights{
		byFP:  make(map[string]*flight),
		byID:  make(map[uint64]*flight),
		byJob: make(map[string]uint64),
	}
}

// Join subscribes jobID to the flight for fingerprint, creating one when
// none is joinable.
func (f *Flights) Join(fingerprint, jobID string) Membership {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl, ok := f.byFP[fingerprint]; ok {
		fl.subscribers = append(fl.subscribers, jobID)
		f.byJob[jobID] = fl.id
		return Membership{FlightID: fl.id, Started: fl.started}
	}
	f.next++
	fl := &flight{id: f.next, fingerprint: fingerprint, subscribers: []string{jobID}}
	f.byFP[fingerprint] = fl
	f.byID[fl.id] = fl
	f.byJob[jobID] = fl.id
	return Membership{FlightID: fl.id, Leader: true}
}

// Abandon removes a flight that was never enqueued and returns the jobs
// that had joined it.
func (f *Flights) Abandon(id uint64) []string {
	subs, _ := f.Finish(id)
	return subs
}

// SetCancel registers the function that aborts the flight's execution.
func (f *Flights) SetCancel(id uint64, cancel context.CancelFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl, ok := f.byID[id]; ok {
		fl.cancel = cancel
	}
}

// Start marks the flight running and returns its current subscribers.
func (f *Flights) Start(id uint64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.byID[id]
	if !ok {
		return nil
	}
	fl.started = true
	return slices.Clone(fl.subscribers)
}

// Subscribers returns the jobs currently attached to the flight.
func (f *Flights) Subscribers(id uint64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl, ok := f.byID[id]; ok {
		return slices.Clone(fl.subscribers)
	}
	return nil
}

// Leave detaches jobID and returns how many subscribers remain.
func (f *Flights) Leave(id uint64, jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.byID[id]
	if !ok {
		return 0
	}
	fl.subscribers = slices.DeleteFunc(fl.subscribers, func(s string) bool { return s == jobID })
	delete(f.byJob, jobID)
	return len(fl.subscribers)
}

// CancelIfSole aborts a running flight when jobID is its only subscriber.
// The flight stops accepting joins so later identical requests start fresh.
func (f *Flights) CancelIfSole(id uint64, jobID string) bool {
	f.mu.Lock()
	fl, ok := f.byID[id]
	if !ok || !fl.started || len(fl.subscribers) != 1 || fl.subscribers[0] != jobID {
		f.mu.Unlock()
		return false
	}
	fl.cancelled = true
	if f.byFP[fl.fingerprint] == fl {
		delete(f.byFP, fl.fingerprint)
	}
	cancel := fl.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// Cancelled reports whether CancelIfSole aborted the flight.
func (f *Flights) Cancelled(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.byID[id]
	return ok && fl.cancelled
}

// Finish removes the flight and returns its final subscribers and whether
// CancelIfSole aborted it.
func (f *Flights) Finish(id uint64) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.byID[id]
	if !ok {
		return nil, false
	}
	f.removeLocked(fl)
	return slices.Clone(fl.subscribers), fl.cancelled
}

// FinishIfEmpty removes the flight only when nobody is subscribed.
func (f *Flights) FinishIfEmpty(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.byID[id]
	if !ok {
		return true
	}
	if len(fl.subscribers) > 0 {
		return false
	}
	f.removeLocked(fl)
	return true
}

func (f *Flights) removeLocked(fl *flight) {
	delete(f.byID, fl.id)
	if f.byFP[fl.fingerprint] == fl {
		delete(f.byFP, fl.fingerprint)
	}
	for _, jobID := range fl.subscribers {
		if f.byJob[jobID] == fl.id {
			delete(f.byJob, jobID)
		}
	}
}

// Of returns the flight a job is subscribed to.
func (f *Flights) Of(jobID string) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byJob[jobID]
	return id, ok
}

// Len returns the number of live flights.
func (f *Flights) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}
