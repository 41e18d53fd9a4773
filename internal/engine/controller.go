package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/zanzrukiav/SearchServices/internal/models"
	"github.com/zanzrukiav/SearchServices/internal/scheduler"
	"github.com/zanzrukiav/SearchServices/internal/tracker"
)

// ErrUnknownTracker is returned for tracker types that are not running.
var ErrUnknownTracker = errors.New("tracker not running")

// Report is the admin view of the engine.
type Report struct {
	Core     string              `json:"core"`
	Paused   bool                `json:"paused"`
	Shutdown bool                `json:"shutdown"`
	InFlight int64               `json:"in_flight"`
	Trackers []tracker.Status    `json:"trackers"`
	Jobs     []scheduler.JobInfo `json:"jobs"`
}

// Status reports every tracker and job.
func (e *Engine) Status(ctx context.Context) Report {
	r := Report{
		Core:     e.cfg.Core,
		Paused:   e.scheduler.Paused(),
		Shutdown: e.scheduler.IsShutdown(),
		Jobs:     e.scheduler.Jobs(),
	}
	for _, t := range e.registry.ForCore(e.cfg.Core) {
		s := t.Status(ctx)
		r.InFlight += s.InFlight
		r.Trackers = append(r.Trackers, s)
	}
	return r
}

// Floors returns the recorded floor of every tracker.
func (e *Engine) Floors(ctx context.Context) ([]models.TrackerFloor, error) {
	return e.state.Floors(ctx, e.cfg.Core)
}

func (e *Engine) PauseAll() { e.scheduler.PauseAll() }

func (e *Engine) ResumeAll() { e.scheduler.ResumeAll() }

func (e *Engine) lookup(typ string) (tracker.Tracker, error) {
	tt, err := models.ParseTrackerType(typ)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownTracker, err)
	}
	t, ok := e.registry.Get(e.cfg.Core, tt)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTracker, tt)
	}
	return t, nil
}

// Invalidate forces a full reindex by one tracker, or by all of them when
// typ is empty or "all".
func (e *Engine) Invalidate(ctx context.Context, typ string) error {
	var targets []tracker.Tracker
	if typ == "" || typ == "all" {
		targets = e.registry.ForCore(e.cfg.Core)
	} else {
		t, err := e.lookup(typ)
		if err != nil {
			return err
		}
		targets = []tracker.Tracker{t}
	}

	for _, t := range targets {
		if err := t.InvalidateState(ctx); err != nil {
			return fmt.Errorf("invalidate %s: %w", t.Type(), err)
		}
	}
	e.logger.Info("state invalidated", "trackers", len(targets))
	return nil
}

// RunNow runs one cycle of a tracker immediately.
func (e *Engine) RunNow(ctx context.Context, typ string) error {
	t, err := e.lookup(typ)
	if err != nil {
		return err
	}
	return e.scheduler.RunNow(t.Core(), t.Type())
}

// Maintain queues a maintenance request with the tracker that handles it.
func (e *Engine) Maintain(ctx context.Context, action string, id int64) error {
	a, err := tracker.ParseAction(action)
	if err != nil {
		return err
	}
	for _, t := range e.registry.ForCore(e.cfg.Core) {
		if m, ok := t.(tracker.Maintainer); ok && m.Supports(a) {
			return m.Enqueue(tracker.Request{Action: a, ID: id})
		}
	}
	return fmt.Errorf("%w: no running tracker handles %s", ErrUnknownTracker, a)
}
