package registry

import (
	"sync"
	"time"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
)

// Kind is fixed when a key is created and never changes afterwards.
type Kind int

const (
	KindLock Kind = iota + 1
	KindChannel
)

func (k Kind) String() string {
	switch k {
	case KindLock:
		return "lock"
	case KindChannel:
		return "channel"
	}
	return "unknown"
}

// AcquireStatus is the outcome of a successful Acquire call.
type AcquireStatus int

const (
	// Acquired means the requester now owns the lock.
	Acquired AcquireStatus = iota
	// Refreshed means the requester already owned the same sub-lock and its
	// lease was extended.
	Refreshed
	// Queued means another owner holds a live lease; the requester was
	// registered as a waiter and should retry after Remaining.
	Queued
)

func (s AcquireStatus) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case Refreshed:
		return "refreshed"
	case Queued:
		return "queued"
	}
	return "unknown"
}

// AcquireResult describes the outcome of Acquire.
type AcquireResult struct {
	Status    AcquireStatus
	Remaining time.Duration
	Deadline  time.Time
}

// ReleaseResult describes the outcome of a successful Release.
type ReleaseResult struct {
	Notifications []Notification
	// Removed is true when the key was deleted because nobody waits on it.
	Removed bool
	// Participating is true when the requester still waits on the key.
	Participating bool
}

// DisconnectResult describes what a disconnect cleanup changed.
type DisconnectResult struct {
	Notifications []Notification
	// Released lists lock keys the connection owned.
	Released []string
	// Left lists keys the connection was removed from as a waiter or
	// subscriber.
	Left []string
}

// Notification is a message that must reach Conn outside of its own command
// reply.
type Notification struct {
	Conn    ConnID
	Message string
}

type entry struct {
	kind     Kind
	owner    ConnID
	owned    bool
	subKey   SubKey
	deadline time.Time
	waiters  map[ConnID]map[SubKey]struct{}
}

func (e *entry) addWaiter(conn ConnID, sub SubKey) {
	set, ok := e.waiters[conn]
	if !ok {
		set = make(map[SubKey]struct{}, 1)
		e.waiters[conn] = set
	}
	set[sub] = struct{}{}
}

func (e *entry) removeWaiter(conn ConnID, sub SubKey) {
	set, ok := e.waiters[conn]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(e.waiters, conn)
	}
}

func (e *entry) participates(conn ConnID) bool {
	if e.owned && e.owner == conn {
		return true
	}
	_, ok := e.waiters[conn]
	return ok
}

func (e *entry) empty() bool {
	return !e.owned && len(e.waiters) == 0
}

// fanout builds one notification per waiter registration, suffixed with the
// sub-key the waiter asked for.
func (e *entry) fanout(msg string) []Notification {
	var out []Notification
	for conn, set := range e.waiters {
		for sub := range set {
			out = append(out, Notification{Conn: conn, Message: msg + sub.suffix()})
		}
	}
	return out
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for lease deadlines.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry owns the state of every active key. Each exported method is a
// single critical section; no method blocks or performs I/O.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire tries to take the lock on key for conn. It never waits: when a
// live lease is held by someone else the requester is queued and told how
// long the current lease still runs. Expired leases are only noticed here.
func (r *Registry) Acquire(key string, sub SubKey, conn ConnID, lease time.Duration) (AcquireResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	deadline := now.Add(lease)

	e, ok := r.entries[key]
	if !ok {
		r.entries[key] = &entry{
			kind:     KindLock,
			owner:    conn,
			owned:    true,
			subKey:   sub,
			deadline: deadline,
			waiters:  make(map[ConnID]map[SubKey]struct{}),
		}
		return AcquireResult{Status: Acquired, Deadline: deadline}, nil
	}
	if e.kind != KindLock {
		return AcquireResult{}, warperrors.ErrTypeMismatch
	}

	if !e.owned || e.deadline.Before(now) {
		e.owner = conn
		e.owned = true
		e.subKey = sub
		e.deadline = deadline
		e.removeWaiter(conn, sub)
		return AcquireResult{Status: Acquired, Deadline: deadline}, nil
	}

	if e.owner == conn && e.subKey == sub {
		e.deadline = deadline
		return AcquireResult{Status: Refreshed, Deadline: deadline}, nil
	}

	e.addWaiter(conn, sub)
	return AcquireResult{Status: Queued, Remaining: e.deadline.Sub(now), Deadline: e.deadline}, nil
}

// Release drops conn's ownership of the sub-lock sub on key. Waiters are told
// the lock is free but are not promoted; they have to Acquire again.
func (r *Registry) Release(key string, sub SubKey, conn ConnID) (ReleaseResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return ReleaseResult{}, warperrors.ErrNotFound
	}
	if e.kind != KindLock {
		return ReleaseResult{}, warperrors.ErrTypeMismatch
	}
	if !e.owned || e.owner != conn || e.subKey != sub {
		return ReleaseResult{}, warperrors.ErrNotOwned
	}

	e.owned = false
	e.owner = ConnID{}
	e.subKey = NoSubKey
	e.deadline = time.Time{}

	if len(e.waiters) == 0 {
		delete(r.entries, key)
		return ReleaseResult{Removed: true}, nil
	}
	return ReleaseResult{
		Notifications: e.fanout("UNLOCKED " + key),
		Participating: e.participates(conn),
	}, nil
}

// Subscribe adds conn to the channel key, creating the channel when needed.
// Subscribing twice is a no-op.
func (r *Registry) Subscribe(key string, conn ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &entry{
			kind:    KindChannel,
			waiters: make(map[ConnID]map[SubKey]struct{}),
		}
		r.entries[key] = e
	} else if e.kind != KindChannel {
		return warperrors.ErrTypeMismatch
	}
	e.addWaiter(conn, NoSubKey)
	return nil
}

// Unsubscribe removes conn from the channel key and deletes the channel once
// it has no subscribers left.
func (r *Registry) Unsubscribe(key string, conn ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return warperrors.ErrNotFound
	}
	if e.kind != KindChannel {
		return warperrors.ErrTypeMismatch
	}
	if _, ok := e.waiters[conn]; !ok {
		return warperrors.ErrNotSubscribed
	}
	delete(e.waiters, conn)
	if e.empty() {
		delete(r.entries, key)
	}
	return nil
}

// Publish builds one CHANNEL notification per subscriber of key. It never
// creates or removes keys.
func (r *Registry) Publish(key, message string) ([]Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, warperrors.ErrNotFound
	}
	if e.kind != KindChannel {
		return nil, warperrors.ErrTypeMismatch
	}
	return e.fanout("CHANNEL " + key + " " + message), nil
}

// Disconnect removes conn from every key in keys as if it had released each
// lock it owns and left each channel and wait queue. Keys conn no longer
// participates in are skipped, which makes a second call a no-op.
func (r *Registry) Disconnect(conn ConnID, keys []string) DisconnectResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res DisconnectResult
	for _, key := range keys {
		e, ok := r.entries[key]
		if !ok || !e.participates(conn) {
			continue
		}

		if _, waiting := e.waiters[conn]; waiting {
			delete(e.waiters, conn)
			res.Left = append(res.Left, key)
		}
		if e.owned && e.owner != conn {
			continue
		}
		if e.owned {
			res.Released = append(res.Released, key)
		}
		e.owned = false
		e.owner = ConnID{}
		e.subKey = NoSubKey
		e.deadline = time.Time{}

		if e.empty() {
			delete(r.entries, key)
			continue
		}
		if e.kind == KindLock {
			res.Notifications = append(res.Notifications, e.fanout("UNLOCKED "+key)...)
		}
	}
	return res
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Locks    int `json:"locks"`
	Owned    int `json:"owned"`
	Channels int `json:"channels"`
	Waiters  int `json:"waiters"`
}

// Stats counts keys by kind and waiter registrations.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	for _, e := range r.entries {
		switch e.kind {
		case KindLock:
			s.Locks++
			if e.owned {
				s.Owned++
			}
		case KindChannel:
			s.Channels++
		}
		for _, set := range e.waiters {
			s.Waiters += len(set)
		}
	}
	return s
}

// EntryView is a detached copy of one key's state.
type EntryView struct {
	Kind     Kind
	Owner    ConnID
	Owned    bool
	SubKey   SubKey
	Deadline time.Time
	Waiters  map[ConnID][]SubKey
}

// Inspect returns a copy of the state of key.
func (r *Registry) Inspect(key string) (EntryView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return EntryView{}, false
	}
	v := EntryView{
		Kind:     e.kind,
		Owner:    e.owner,
		Owned:    e.owned,
		SubKey:   e.subKey,
		Deadline: e.deadline,
		Waiters:  make(map[ConnID][]SubKey, len(e.waiters)),
	}
	for conn, set := range e.waiters {
		subs := make([]SubKey, 0, len(set))
		for sub := range set {
			subs = append(subs, sub)
		}
		v.Waiters[conn] = subs
	}
	return v, true
}

// Len returns the number of active keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
