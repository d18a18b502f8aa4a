// Package runstate tracks the status of plan runs for readers that poll or
// stream them while the runs execute.
package runstate

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rahul/stepwise/internal/progress"
)

type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

var (
	ErrUnknownRun = errors.New("unknown run")
	ErrRunExists  = errors.New("run already exists")
)

const (
	DefaultRetention = 5 * time.Minute
	maxResultChars   = 500
	maxEvents        = 1000
	subscriberBuffer = 64
)

// Snapshot is a point-in-time copy of a run's state.
type Snapshot struct {
	ID             string            `json:"id"`
	Status         Status            `json:"status"`
	CurrentStep    string            `json:"current_step"`
	CompletedSteps []string          `json:"completed_steps"`
	StepResults    map[string]string `json:"step_results"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

type entry struct {
	snap          Snapshot
	stopRequested bool
	events        []progress.Event
	subs          map[int]chan progress.Event
	nextSub       int
	gc            *time.Timer
}

// Registry is a concurrency-safe map from run id to run state. Entries are
// removed a fixed retention period after they reach a terminal status.
type Registry struct {
	mu        sync.Mutex
	runs      map[string]*entry
	retention time.Duration
	now       func() time.Time
}

// NewRegistry returns a registry that keeps finished runs for retention.
// A non-positive retention uses DefaultRetention.
func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		runs:      make(map[string]*entry),
		retention: retention,
		now:       time.Now,
	}
}

// Create registers a new run in the starting state.
func (r *Registry) Create(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrRunExists, id)
	}
	e := &entry{
		snap: Snapshot{
			ID:          id,
			Status:      StatusStarting,
			StepResults: map[string]string{},
			StartedAt:   r.now(),
		},
		subs: map[int]chan progress.Event{},
	}
	r.runs[id] = e
	return e.snap.clone(), nil
}

// Get returns a snapshot of the run.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snap.clone(), true
}

// List returns snapshots of every tracked run, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, e.snap.clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Stop asks a run to stop. The run observes the request before its next
// step; a step already in flight completes first. It returns false when the
// run is unknown or already finished.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[id]
	if !ok || e.snap.Status.Terminal() {
		return false
	}
	e.stopRequested = true
	return true
}

// IsStopped reports whether Stop was called for the run.
func (r *Registry) IsStopped(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[id]
	return ok && e.stopRequested
}

// Fail marks a run failed without going through its event stream, for runs
// that could not start.
func (r *Registry) Fail(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[id]
	if !ok || e.snap.Status.Terminal() {
		return
	}
	e.snap.Status = StatusFailed
	if err != nil {
		e.snap.Error = err.Error()
	}
	r.finishLocked(id, e)
}

// Sink returns the progress sink that records events for run id.
func (r *Registry) Sink(id string) progress.Sink {
	return progress.SinkFunc(func(ev progress.Event) error {
		return r.apply(id, ev)
	})
}

func (r *Registry) apply(id string, ev progress.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	if e.snap.Status.Terminal() {
		return nil
	}

	if len(e.events) < maxEvents {
		e.events = append(e.events, ev)
	}

	s := &e.snap
	if ev.IsRun() {
		switch ev.Kind {
		case progress.Started:
			s.Status = StatusRunning
		case progress.Completed:
			if stopped, _ := ev.Data[progress.KeyStopped].(bool); stopped || e.stopRequested {
				s.Status = StatusStopped
			} else {
				s.Status = StatusCompleted
			}
			s.CurrentStep = ""
		case progress.Failed:
			s.Status = StatusFailed
			s.Error = ev.String(progress.KeyError)
		}
	} else {
		switch ev.Kind {
		case progress.Started:
			s.CurrentStep = ev.StepID
		case progress.Completed:
			s.CompletedSteps = append(s.CompletedSteps, ev.StepID)
			s.StepResults[ev.StepID] = truncate(ev.String(progress.KeyResult), maxResultChars)
		case progress.Failed:
			s.StepResults[ev.StepID] = "error: " + truncate(ev.String(progress.KeyError), maxResultChars)
		}
	}

	for _, ch := range e.subs {
		deliver(ch, ev, s.Status.Terminal())
	}
	if s.Status.Terminal() {
		r.finishLocked(id, e)
	}
	return nil
}

// deliver sends ev without blocking. A slow subscriber loses events, except
// the final one of a run, which displaces the oldest buffered event so every
// stream ends with the run's outcome.
func deliver(ch chan progress.Event, ev progress.Event, final bool) {
	select {
	case ch <- ev:
		return
	default:
	}
	if !final {
		return
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

func (r *Registry) finishLocked(id string, e *entry) {
	now := r.now()
	e.snap.FinishedAt = &now
	for sid, ch := range e.subs {
		close(ch)
		delete(e.subs, sid)
	}
	e.gc = time.AfterFunc(r.retention, func() { r.remove(id, e) })
}

func (r *Registry) remove(id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.runs[id]; ok && cur == e {
		delete(r.runs, id)
	}
}

// Subscribe returns the events recorded so far and a channel carrying later
// ones. The channel is closed when the run finishes or cancel is called. For
// a finished run the channel is already closed.
func (r *Registry) Subscribe(id string) (history []progress.Event, events <-chan progress.Event, cancel func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[id]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	history = append([]progress.Event(nil), e.events...)
	ch := make(chan progress.Event, subscriberBuffer)
	if e.snap.Status.Terminal() {
		close(ch)
		return history, ch, func() {}, nil
	}
	sid := e.nextSub
	e.nextSub++
	e.subs[sid] = ch
	var once sync.Once
	cancel = func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := e.subs[sid]; ok {
				close(c)
				delete(e.subs, sid)
			}
		})
	}
	return history, ch, cancel, nil
}

// Close drops every entry and stops pending garbage collection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.runs {
		if e.gc != nil {
			e.gc.Stop()
		}
		for sid, ch := range e.subs {
			close(ch)
			delete(e.subs, sid)
		}
		delete(r.runs, id)
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.CompletedSteps = make([]string, len(s.CompletedSteps))
	copy(out.CompletedSteps, s.CompletedSteps)
	out.StepResults = make(map[string]string, len(s.StepResults))
	for k, v := range s.StepResults {
		out.StepResults[k] = v
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
