// Package lane serializes work per chat session.
//
// Every session gets its own FIFO lane served by one worker goroutine, so a
// session never runs two frames at once while different sessions proceed in
// parallel. The connection reader only enqueues; it never waits for the work.
package lane

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("lane: manager stopped")
	// ErrTooManyLanes is returned when MaxLanes is reached.
	ErrTooManyLanes = errors.New("lane: too many lanes")
	// ErrRemoved is returned when the lane is removed while a job waits for room.
	ErrRemoved = errors.New("lane: removed")
)

// Job is one unit of work. ctx is cancelled when the lane is removed.
type Job func(ctx context.Context)

type lane struct {
	key    string
	queue  chan Job
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pending    int
	busy       bool
	closed     bool
	lastActive time.Time
}

// Manager manages lanes for all sessions.
type Manager struct {
	mu       sync.RWMutex
	lanes    map[string]*lane
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	logger   *zap.Logger
	cfg      ManagerConfig
	stopOnce sync.Once
}

// ManagerConfig configures a lane Manager.
type ManagerConfig struct {
	QueueSize       int           // Per-lane backlog (default 100)
	MaxLanes        int           // Max concurrent lanes (default 10000)
	IdleTimeout     time.Duration // Idle lanes are reaped after this (default 10m)
	CleanupInterval time.Duration // Reaper interval (default 1m)
	Logger          *zap.Logger
}

// NewManager creates a lane manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxLanes <= 0 {
		cfg.MaxLanes = 10000
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &Manager{
		lanes:  make(map[string]*lane),
		stopCh: make(chan struct{}),
		logger: cfg.Logger.Named("lane"),
		cfg:    cfg,
	}
	go m.periodicCleanup()
	return m
}

// Enqueue appends job to the session's lane. It blocks only while the lane's
// backlog is full.
func (m *Manager) Enqueue(ctx context.Context, key string, job Job) error {
	for {
		l, err := m.getOrCreateLane(key)
		if err != nil {
			return err
		}
		l.mu.Lock()
		if l.closed {
			// reaped or removed between lookup and reservation
			l.mu.Unlock()
			m.mu.RLock()
			stopped := m.stopped
			m.mu.RUnlock()
			if stopped {
				return ErrStopped
			}
			continue
		}
		l.pending++
		l.mu.Unlock()

		select {
		case l.queue <- job:
			return nil
		case <-l.ctx.Done():
			l.release()
			return ErrRemoved
		case <-ctx.Done():
			l.release()
			return ctx.Err()
		}
	}
}

// Remove cancels a session's lane. Queued jobs are dropped and the running
// job sees its context cancelled.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	l, ok := m.lanes[key]
	if ok {
		delete(m.lanes, key)
	}
	m.mu.Unlock()
	if ok {
		l.close()
	}
}

func (m *Manager) getOrCreateLane(key string) (*lane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrStopped
	}
	if l, ok := m.lanes[key]; ok {
		return l, nil
	}
	if len(m.lanes) >= m.cfg.MaxLanes {
		m.cleanupIdleLanes()
		if len(m.lanes) >= m.cfg.MaxLanes {
			return nil, ErrTooManyLanes
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &lane{
		key:        key,
		queue:      make(chan Job, m.cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		lastActive: time.Now(),
	}
	m.lanes[key] = l

	m.wg.Add(1)
	go m.runWorker(l)
	return l, nil
}

// runWorker is the per-lane worker loop.
func (m *Manager) runWorker(l *lane) {
	defer m.wg.Done()
	for {
		select {
		case job := <-l.queue:
			l.mu.Lock()
			l.busy = true
			l.lastActive = time.Now()
			l.mu.Unlock()

			m.run(l, job)

			l.mu.Lock()
			l.busy = false
			l.pending--
			l.lastActive = time.Now()
			l.mu.Unlock()

		case <-l.ctx.Done():
			return
		}
	}
}

func (m *Manager) run(l *lane, job Job) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("job panicked", zap.String("lane", l.key), zap.Any("panic", r))
		}
	}()
	if l.ctx.Err() != nil {
		return
	}
	job(l.ctx)
}

func (l *lane) release() {
	l.mu.Lock()
	l.pending--
	l.mu.Unlock()
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
}

// cleanupIdleLanes removes long-idle lanes (called under lock).
func (m *Manager) cleanupIdleLanes() {
	threshold := time.Now().Add(-m.cfg.IdleTimeout)
	for key, l := range m.lanes {
		l.mu.Lock()
		reap := l.pending == 0 && !l.busy && l.lastActive.Before(threshold)
		if reap {
			l.closed = true
		}
		l.mu.Unlock()
		if reap {
			delete(m.lanes, key)
			l.cancel()
			m.logger.Debug("reaped idle lane", zap.String("lane", key))
		}
	}
}

// periodicCleanup runs idle lane cleanup periodically.
func (m *Manager) periodicCleanup() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			m.cleanupIdleLanes()
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

// Stop cancels every lane and waits for the workers to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		lanes := m.lanes
		m.lanes = make(map[string]*lane)
		m.mu.Unlock()

		close(m.stopCh)
		for _, l := range lanes {
			l.close()
		}
		m.wg.Wait()
	})
}

// Stats is a snapshot of the manager.
type Stats struct {
	TotalLanes  int `json:"totalLanes"`
	ActiveLanes int `json:"activeLanes"`
	Queued      int `json:"queued"`
}

// Stats returns lane manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{TotalLanes: len(m.lanes)}
	for _, l := range m.lanes {
		l.mu.Lock()
		if l.busy {
			s.ActiveLanes++
		}
		s.Queued += len(l.queue)
		l.mu.Unlock()
	}
	return s
}
