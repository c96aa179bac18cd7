package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/ksuid"
	"github.com/shirou/gopsutil/v3/process"
)

// Manager hands out Handles for targets. Each store owns one Manager; the
// arena holds every live handle so Close can release whatever is left.
type Manager struct {
	config Config
	logger *slog.Logger
	pid    int
	host   string

	// alive reports whether a local PID still runs
	alive func(pid int) bool
	now   func() time.Time

	mu      sync.Mutex
	closed  bool
	slots   map[string]chan struct{}
	handles map[string]*Handle
}

// Option customises a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithLiveness replaces the process liveness check
func WithLiveness(fn func(pid int) bool) Option {
	return func(m *Manager) {
		if fn != nil {
			m.alive = fn
		}
	}
}

// NewManager creates a manager
func NewManager(config Config, opts ...Option) *Manager {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	m := &Manager{
		config:  config.withDefaults(),
		logger:  slog.Default(),
		pid:     os.Getpid(),
		host:    host,
		alive:   pidAlive,
		now:     time.Now,
		slots:   make(map[string]chan struct{}),
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "lock")
	return m
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.config
}

// MarkerPath returns the marker path for a target
func MarkerPath(target string) string {
	return target + MarkerSuffix
}

func pidAlive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		// cannot tell, assume the owner is still running
		return true
	}
	return exists
}

// slot returns the in-process queue for target
func (m *Manager) slot(target string) (chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.slots[target]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[target] = s
	}
	return s, nil
}

// Acquire blocks until target's marker is created for a new Handle, the
// configured timeout passes (*TimeoutError) or ctx is done.
func (m *Manager) Acquire(ctx context.Context, target string) (*Handle, error) {
	start := m.now()
	deadline := start.Add(m.config.Timeout)
	path := MarkerPath(target)

	slot, err := m.slot(target)
	if err != nil {
		return nil, err
	}
	wait := time.NewTimer(m.config.Timeout)
	defer wait.Stop()
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wait.C:
		holder := m.peek(path)
		return nil, &TimeoutError{Path: path, Holder: holder, Waited: m.now().Sub(start)}
	}

	h := &Handle{manager: m, target: target, path: path, state: Acquiring}
	if err := m.acquireMarker(ctx, h, start, deadline); err != nil {
		h.state = Unlocked
		<-slot
		return nil, err
	}

	m.mu.Lock()
	m.handles[target] = h
	m.mu.Unlock()
	return h, nil
}

func (m *Manager) acquireMarker(ctx context.Context, h *Handle, start, deadline time.Time) error {
	path := h.path
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.config.InitialBackoff
	bo.MaxInterval = m.config.MaxBackoff
	bo.Reset()

	owner := Owner{PID: m.pid, Host: m.host, Token: ksuid.New().String()}
	var recovered *Recovery
	attempts := 0

	for {
		attempts++
		owner.AcquiredAt = m.now().UTC()
		err := m.create(path, owner)
		if err == nil {
			h.mu.Lock()
			h.owner, h.recovered, h.state = owner, recovered, Locked
			h.mu.Unlock()
			m.logger.Debug("lock acquired", "path", path, "attempts", attempts, "waited", m.now().Sub(start))
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock marker %s: %w", path, err)
		}

		if recovered == nil {
			if status := m.inspect(path); status.Stale {
				rec, err := m.moveAside(path, status)
				if err != nil {
					m.logger.Warn("stale lock recovery failed", "path", path, "error", err)
				} else if rec != nil {
					recovered = rec
					m.logger.Warn("stale lock recovered", "path", path, "reason", rec.Reason, "age", rec.Age)
					continue
				}
			}
		}

		now := m.now()
		if !now.Before(deadline) {
			return &TimeoutError{Path: path, Holder: m.peek(path), Waited: now.Sub(start), Attempts: attempts}
		}
		delay := bo.NextBackOff()
		if delay < 0 || delay > deadline.Sub(now) {
			delay = deadline.Sub(now)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// create writes a fresh marker; it fails with fs.ErrExist when one is present
func (m *Manager) create(path string, owner Owner) error {
	data, err := owner.encode()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// peek reads the current owner, if the marker is readable
func (m *Manager) peek(path string) *Owner {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	o, err := decodeOwner(data)
	if err != nil {
		return nil
	}
	return &o
}

// Inspect reports the marker state of target without touching it
func (m *Manager) Inspect(target string) Status {
	return m.inspect(MarkerPath(target))
}

func (m *Manager) inspect(path string) Status {
	st := Status{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		return st
	}
	st.Held = true
	st.Age = m.now().Sub(info.ModTime())

	data, err := os.ReadFile(path)
	if err != nil {
		return st
	}
	o, err := decodeOwner(data)
	if err != nil {
		if st.Age > m.config.StaleAfter {
			st.Stale = true
			st.Reason = "unreadable marker"
		}
		return st
	}
	st.Owner = &o
	if !o.AcquiredAt.IsZero() {
		st.Age = m.now().Sub(o.AcquiredAt)
	}
	if st.Age <= m.config.StaleAfter || o.Host != m.host {
		return st
	}
	if o.PID != m.pid && !m.alive(o.PID) {
		st.Stale = true
		st.Reason = fmt.Sprintf("owner pid %d is not running", o.PID)
	}
	return st
}

// moveAside renames a stale marker out of the way and checks that the file it
// moved is the one judged stale. A marker replaced in the meantime is put back.
func (m *Manager) moveAside(path string, status Status) (*Recovery, error) {
	before, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	aside := fmt.Sprintf("%s.stale-%s", path, ksuid.New().String())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	after, err := os.ReadFile(aside)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(before, after) {
		// someone else replaced the marker; restore it unless yet another appeared
		if err := os.Link(aside, path); err == nil {
			os.Remove(aside)
		}
		return nil, fmt.Errorf("marker %s changed during recovery", path)
	}
	if err := os.Remove(aside); err != nil {
		return nil, err
	}
	return &Recovery{Path: path, Previous: status.Owner, Age: status.Age, Reason: status.Reason}, nil
}

// Held lists the owners of handles currently held by this manager
func (m *Manager) Held() map[string]Owner {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Owner, len(m.handles))
	for target, h := range m.handles {
		out[target] = h.owner
	}
	return out
}

// release is called by Handle.Release
func (m *Manager) release(h *Handle) error {
	m.mu.Lock()
	if cur, ok := m.handles[h.target]; ok && cur == h {
		delete(m.handles, h.target)
	}
	slot := m.slots[h.target]
	m.mu.Unlock()

	err := m.removeIfOwned(h.path, h.owner.Token)
	if slot != nil {
		select {
		case <-slot:
		default:
		}
	}
	return err
}

func (m *Manager) removeIfOwned(path, token string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("lock marker vanished before release", "path", path)
		return ErrNotOwner
	}
	if err != nil {
		return err
	}
	o, err := decodeOwner(data)
	if err != nil || o.Token != token {
		m.logger.Warn("lock marker taken over before release", "path", path)
		return ErrNotOwner
	}
	return os.Remove(path)
}

// Close releases every handle still held. Later Acquire calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	held := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		held = append(held, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range held {
		if err := h.Release(); err != nil && !errors.Is(err, ErrNotOwner) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
