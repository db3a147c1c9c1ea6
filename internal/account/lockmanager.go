package account

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/execms/oms/pkg/types"
)

// Task is a unit of account-serial work.
type Task func(ctx context.Context) error

// Config controls queue concurrency and lifecycle.
type Config struct {
	MaxConcurrentGlobal int           // total tasks running across all accounts
	TaskTimeout         time.Duration // per-task wall clock
	QueueIdleTTL        time.Duration // idle queues older than this are reaped
	ReapInterval        time.Duration
	QueueDepth          int // buffered tasks per account before Run blocks
}

// DefaultConfig mirrors the executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentGlobal: 20,
		TaskTimeout:         30 * time.Second,
		QueueIdleTTL:        5 * time.Minute,
		ReapInterval:        time.Minute,
		QueueDepth:          64,
	}
}

type queuedTask struct {
	ctx  context.Context
	fn   Task
	done chan error
}

type queue struct {
	tasks      chan *queuedTask
	stop       chan struct{}
	pending    atomic.Int32
	lastActive atomic.Int64 // unix nanos
}

// Manager serializes work per account while distinct accounts run in
// parallel under a global cap. Queue creation is atomic: the first caller
// for an account creates the queue, later callers observe it.
type Manager struct {
	mu      sync.RWMutex
	cfg     Config
	queues  map[string]*queue
	sem     chan struct{}
	stopped bool
	wg      sync.WaitGroup
	reapCh  chan struct{}
	logger  *logrus.Entry
}

// NewManager creates an account lock manager and starts its idle reaper.
func NewManager(cfg Config) *Manager {
	if cfg.MaxConcurrentGlobal <= 0 {
		cfg.MaxConcurrentGlobal = DefaultConfig().MaxConcurrentGlobal
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	m := &Manager{
		cfg:    cfg,
		queues: make(map[string]*queue),
		sem:    make(chan struct{}, cfg.MaxConcurrentGlobal),
		reapCh: make(chan struct{}),
		logger: logrus.WithField("component", "account-lock"),
	}
	if cfg.QueueIdleTTL > 0 && cfg.ReapInterval > 0 {
		go m.reapLoop()
	}
	return m
}

// Run enqueues the task on the account's FIFO queue and waits for it.
// Tasks sharing an account execute in submission order; the caller receives
// the task's failure (or panic, converted to an error) unchanged.
func (m *Manager) Run(ctx context.Context, accountID string, task Task) error {
	q, err := m.getOrCreate(accountID)
	if err != nil {
		return err
	}

	qt := &queuedTask{ctx: ctx, fn: task, done: make(chan error, 1)}
	q.pending.Add(1)
	q.lastActive.Store(time.Now().UnixNano())

	select {
	case q.tasks <- qt:
	case <-q.stop:
		q.pending.Add(-1)
		return types.ErrStopped
	case <-ctx.Done():
		q.pending.Add(-1)
		return ctx.Err()
	}

	return <-qt.done
}

func (m *Manager) getOrCreate(accountID string) (*queue, error) {
	m.mu.RLock()
	q, ok := m.queues[accountID]
	stopped := m.stopped
	m.mu.RUnlock()
	if stopped {
		return nil, types.ErrStopped
	}
	if ok {
		return q, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, types.ErrStopped
	}
	if q, ok = m.queues[accountID]; ok {
		return q, nil
	}

	q = &queue{
		tasks: make(chan *queuedTask, m.cfg.QueueDepth),
		stop:  make(chan struct{}),
	}
	q.lastActive.Store(time.Now().UnixNano())
	m.queues[accountID] = q

	m.wg.Add(1)
	go m.worker(accountID, q)
	m.logger.Debugf("created queue for account %s", accountID)
	return q, nil
}

func (m *Manager) worker(accountID string, q *queue) {
	defer m.wg.Done()

	for {
		select {
		case qt := <-q.tasks:
			m.execute(q, qt)
		case <-q.stop:
			// drain already-enqueued work, then exit
			for {
				select {
				case qt := <-q.tasks:
					m.execute(q, qt)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) execute(q *queue, qt *queuedTask) {
	defer q.pending.Add(-1)
	defer q.lastActive.Store(time.Now().UnixNano())

	if err := qt.ctx.Err(); err != nil {
		qt.done <- err
		return
	}

	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	tctx, cancel := context.WithTimeout(qt.ctx, m.cfg.TaskTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("task panic: %v", r)
			}
		}()
		result <- qt.fn(tctx)
	}()

	select {
	case err := <-result:
		qt.done <- err
	case <-tctx.Done():
		// timed-out task counts as failed; its slot is released and the
		// queue advances
		qt.done <- tctx.Err()
	}
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.reapCh:
			return
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.QueueIdleTTL).UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, q := range m.queues {
		if q.pending.Load() == 0 && q.lastActive.Load() < cutoff {
			close(q.stop)
			delete(m.queues, id)
			m.logger.Debugf("reaped idle queue for account %s", id)
		}
	}
}

// QueueCount returns the number of live account queues.
func (m *Manager) QueueCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues)
}

// Stop refuses new tasks and lets in-flight and queued work run to
// completion.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for _, q := range m.queues {
		close(q.stop)
	}
	m.mu.Unlock()

	if m.cfg.QueueIdleTTL > 0 && m.cfg.ReapInterval > 0 {
		close(m.reapCh)
	}
	m.wg.Wait()
}
