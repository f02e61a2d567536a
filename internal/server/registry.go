package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thesyncim/abr/pkg/abr"
	"github.com/thesyncim/abr/pkg/abr/meter"
	"github.com/thesyncim/abr/pkg/abr/session"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTooManySessions is returned when the registry is full.
	ErrTooManySessions = errors.New("too many sessions")
)

// playback is the decision state of one client session. Evaluate calls on a
// playback are serialized by mu.
type playback struct {
	mu       sync.Mutex
	strategy abr.Strategy
	formats  []abr.Format
	selector abr.Selector
	meter    *meter.Meter
	eval     *abr.Evaluation
	sess     *session.Session

	evaluations int
	lastActive  time.Time
}

// evaluate runs one selector evaluation and records the chosen segment.
func (p *playback) evaluate(queue []abr.Chunk, position time.Duration, index int) (abr.Evaluation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.selector.Evaluate(queue, position, p.formats, p.eval)
	if index < 0 {
		index = p.evaluations
	}
	p.evaluations++
	p.lastActive = time.Now()

	if p.eval.Format == nil {
		return abr.Evaluation{}, false
	}
	p.sess.RecordSegment(index, *p.eval.Format, p.eval.Trigger, p.sess.Elapsed())

	out := abr.Evaluation{Format: p.eval.Format, Trigger: p.eval.Trigger, QueueSize: abr.NoTruncation}
	if n, ok := p.eval.TakeQueueSize(); ok {
		out.QueueSize = n
	}
	return out, true
}

// phase returns the buffer-based phase, if the selector has one.
func (p *playback) phase() (abr.Phase, bool) {
	if bba, ok := p.selector.(*abr.BufferBasedSelector); ok {
		return bba.Phase(), true
	}
	return 0, false
}

// Registry is a concurrency-safe in-memory set of playbacks.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*playback
	max      int
	log      *slog.Logger
}

// NewRegistry returns an empty registry holding at most max sessions.
// If max <= 0 the registry is unbounded.
func NewRegistry(max int, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{sessions: make(map[string]*playback), max: max, log: log}
}

// create builds the selector and meter for a new session and registers it.
func (r *Registry) create(config abr.Config, meterConfig meter.Config, formats []abr.Format, opts ...abr.Option) (*playback, error) {
	m := meter.New(meterConfig, nil)
	sel, err := abr.New(config, m, opts...)
	if err != nil {
		return nil, err
	}
	sel.Enable()

	p := &playback{
		strategy:   config.Strategy,
		formats:    formats,
		selector:   sel,
		meter:      m,
		eval:       abr.NewEvaluation(),
		sess:       session.New(config.Strategy, formats),
		lastActive: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.sessions) >= r.max {
		sel.Disable()
		return nil, ErrTooManySessions
	}
	r.sessions[p.sess.ID()] = p
	return p, nil
}

// get returns the playback with the given ID.
func (r *Registry) get(id string) (*playback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return p, nil
}

// remove deletes a session and disables its selector.
func (r *Registry) remove(id string) (*playback, error) {
	r.mu.Lock()
	p, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	p.selector.Disable()
	return p, nil
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Expire removes sessions idle for longer than ttl and returns how many
// were removed.
func (r *Registry) Expire(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	var expired []*playback
	for id, p := range r.sessions {
		p.mu.Lock()
		idle := p.lastActive.Before(cutoff)
		p.mu.Unlock()
		if idle {
			delete(r.sessions, id)
			expired = append(expired, p)
		}
	}
	r.mu.Unlock()

	for _, p := range expired {
		p.selector.Disable()
		r.log.Debug("session expired", slog.String("session_id", p.sess.ID()))
	}
	return len(expired)
}
