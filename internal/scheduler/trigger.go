package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/zanzrukiav/SearchServices/internal/config"
)

// Handle identifies a registered callback.
type Handle int64

// PeriodicTrigger fires callbacks on cron schedules.
type PeriodicTrigger interface {
	Register(expr string, fn func()) (Handle, error)
	Cancel(h Handle)
	Start()
	// Stop halts the trigger. The returned context is done once running
	// callbacks have returned.
	Stop() context.Context
}

// CronTrigger is a PeriodicTrigger backed by robfig/cron. It accepts
// Quartz expressions, including the '?' placeholder and a trailing year.
type CronTrigger struct {
	cron *cron.Cron
}

var _ PeriodicTrigger = (*CronTrigger)(nil)

// NewCronTrigger creates a stopped cron trigger that logs through logger.
func NewCronTrigger(logger *slog.Logger) *CronTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	l := cronLogger{logger: logger.With("component", "cron")}
	return &CronTrigger{cron: cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l)))}
}

func (c *CronTrigger) Register(expr string, fn func()) (Handle, error) {
	sched, err := config.ParseCron(expr)
	if err != nil {
		return 0, err
	}
	return Handle(c.cron.Schedule(sched, cron.FuncJob(fn))), nil
}

func (c *CronTrigger) Cancel(h Handle) { c.cron.Remove(cron.EntryID(h)) }

func (c *CronTrigger) Start() { c.cron.Start() }

func (c *CronTrigger) Stop() context.Context { return c.cron.Stop() }

// Len returns the number of registered entries.
func (c *CronTrigger) Len() int { return len(c.cron.Entries()) }

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// ManualTrigger only fires when told to. Expressions are validated but
// never evaluated.
type ManualTrigger struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]func()
	exprs   map[Handle]string
	started bool
	running sync.WaitGroup
}

var _ PeriodicTrigger = (*ManualTrigger)(nil)

func NewManualTrigger() *ManualTrigger {
	return &ManualTrigger{entries: make(map[Handle]func()), exprs: make(map[Handle]string)}
}

func (m *ManualTrigger) Register(expr string, fn func()) (Handle, error) {
	if err := config.ValidateCron(expr); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.entries[m.next] = fn
	m.exprs[m.next] = expr
	return m.next, nil
}

func (m *ManualTrigger) Cancel(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, h)
	delete(m.exprs, h)
}

func (m *ManualTrigger) Start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
}

func (m *ManualTrigger) Stop() context.Context {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		m.running.Wait()
		cancel()
	}()
	return ctx
}

// Fire runs the callback of h in the calling goroutine. It reports false
// when the trigger is stopped or h is unknown.
func (m *ManualTrigger) Fire(h Handle) bool {
	m.mu.Lock()
	fn, ok := m.entries[h]
	if !ok || !m.started {
		m.mu.Unlock()
		return false
	}
	m.running.Add(1)
	m.mu.Unlock()

	defer m.running.Done()
	fn()
	return true
}

// FireAll fires every registered callback concurrently and waits for them.
func (m *ManualTrigger) FireAll() {
	var wg sync.WaitGroup
	for _, h := range m.Handles() {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			m.Fire(h)
		}(h)
	}
	wg.Wait()
}

// Handles lists registered handles in registration order.
func (m *ManualTrigger) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.entries))
	for h := range m.entries {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Expr returns the expression a handle was registered with.
func (m *ManualTrigger) Expr(h Handle) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expr, ok := m.exprs[h]
	if !ok {
		return "", fmt.Errorf("handle %d not registered", h)
	}
	return expr, nil
}
