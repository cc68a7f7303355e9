package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/models"
)

type entry struct {
	s        *Session
	ready    chan struct{}
	refs     int
	lastUsed time.Time
}

// Registry owns the live sessions of the process, one per user. Sessions are
// started on first use and stopped once no connection holds them and they
// have been idle for the sweep timeout.
type Registry struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	onEvent func(userID string, ev models.StateEvent)
}

func NewRegistry(deps Deps, cfg Config, logger zerolog.Logger) *Registry {
	return &Registry{
		deps:    deps,
		cfg:     cfg,
		log:     logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// OnEvent sets the receiver of state events of every session.
func (r *Registry) OnEvent(fn func(userID string, ev models.StateEvent)) {
	r.mu.Lock()
	r.onEvent = fn
	r.mu.Unlock()
}

// Get returns the user's session, starting it if needed.
func (r *Registry) Get(ctx context.Context, userID string) *Session {
	return r.get(ctx, userID, 0)
}

// Acquire is Get for a long-lived holder such as a websocket. Each Acquire needs a Release.
func (r *Registry) Acquire(ctx context.Context, userID string) *Session {
	return r.get(ctx, userID, 1)
}

func (r *Registry) Release(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok && e.refs > 0 {
		e.refs--
		e.lastUsed = r.now()
	}
}

func (r *Registry) get(ctx context.Context, userID string, ref int) *Session {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if ok {
		e.refs += ref
		e.lastUsed = r.now()
		r.mu.Unlock()
		<-e.ready
		return e.s
	}
	s := New(userID, r.deps, r.cfg, r.log)
	e = &entry{s: s, ready: make(chan struct{}), refs: ref, lastUsed: r.now()}
	r.entries[userID] = e
	r.mu.Unlock()

	s.OnEvent(func(ev models.StateEvent) {
		r.mu.Lock()
		fn := r.onEvent
		r.mu.Unlock()
		if fn != nil {
			fn(userID, ev)
		}
	})
	if err := s.Start(context.WithoutCancel(ctx)); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("session start degraded")
	}
	close(e.ready)
	return s
}

// Lookup returns a live session without starting one.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-e.ready
	return e.s, true
}

// Sweep stops unreferenced sessions idle for longer than idle and returns how many it stopped.
func (r *Registry) Sweep(ctx context.Context, idle time.Duration) int {
	now := r.now()
	var stale []*Session
	r.mu.Lock()
	for id, e := range r.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) > idle {
			select {
			case <-e.ready:
			default:
				continue
			}
			stale = append(stale, e.s)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.Stop(ctx)
	}
	return len(stale)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(ctx, idle); n > 0 {
				r.log.Info().Int("stopped", n).Msg("idle sessions swept")
			}
		}
	}
}

// Stat describes one live session.
type Stat struct {
	UserID string `json:"user_id"`
	Refs   int    `json:"refs"`
	IdleMS int64  `json:"idle_ms"`
}

// Stats lists live sessions ordered by user id.
func (r *Registry) Stats() []Stat {
	now := r.now()
	r.mu.Lock()
	out := make([]Stat, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Stat{UserID: id, Refs: e.refs, IdleMS: now.Sub(e.lastUsed).Milliseconds()})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops every session.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		all = append(all, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()
	for _, e := range all {
		<-e.ready
		e.s.Stop(ctx)
	}
}
