// Package poller drives asynchronous submit-then-poll generation tasks to
// completion. One sweep ticker walks every non-terminal task; each task polls
// on an interval chosen by its size estimate, so short jobs surface results
// quickly without hammering providers over long-running ones.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fogfish/opts"

	"github.com/conduithq/conduit/hub"
	"github.com/conduithq/conduit/pkg/slogx"
	"github.com/conduithq/conduit/store"
)

// Syncer fetches the current remote state of a task and returns the task
// with status, result, and error fields updated. It must not write to the
// store itself.
type Syncer interface {
	Sync(ctx context.Context, task store.Task) (store.Task, error)
}

// SyncerFunc adapts a function to the Syncer interface.
type SyncerFunc func(ctx context.Context, task store.Task) (store.Task, error)

func (f SyncerFunc) Sync(ctx context.Context, task store.Task) (store.Task, error) {
	return f(ctx, task)
}

// Tier maps a size estimate to a polling interval. A task whose
// EstimatedSeconds is at most MaxEstimate polls at Interval; MaxEstimate 0
// marks the catch-all tier for everything larger.
type Tier struct {
	MaxEstimate int
	Interval    time.Duration
}

// Poller sweeps non-terminal tasks and syncs the due ones concurrently.
type Poller struct {
	SweepInterval time.Duration
	Tiers         []Tier

	tasks   store.Tasks
	hub     *hub.Hub
	syncers map[string]Syncer

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Poller.
type Option = opts.Option[Poller]

var (
	// WithSweepInterval sets how often the task sweep runs.
	WithSweepInterval = opts.ForName[Poller, time.Duration]("SweepInterval")
	// WithTiers replaces the estimate-to-interval mapping.
	WithTiers = opts.ForName[Poller, []Tier]("Tiers")
)

// New builds a Poller over the given task store. Syncers are registered per
// provider name with Register before Start.
func New(tasks store.Tasks, h *hub.Hub, options ...Option) (*Poller, error) {
	p := &Poller{
		SweepInterval: 5 * time.Second,
		Tiers: []Tier{
			{MaxEstimate: 30, Interval: 5 * time.Second},
			{MaxEstimate: 300, Interval: 30 * time.Second},
			{MaxEstimate: 0, Interval: 2 * time.Minute},
		},
		tasks:   tasks,
		hub:     h,
		syncers: map[string]Syncer{},
		done:    make(chan struct{}),
	}
	if err := opts.Apply(p, options); err != nil {
		return nil, err
	}
	return p, nil
}

// Register installs the syncer for a provider name. Not safe to call after
// Start.
func (p *Poller) Register(provider string, s Syncer) {
	p.syncers[provider] = s
}

// Start reconciles tasks left over from a previous run and begins sweeping.
// It returns after launching the sweep loop; Close stops it.
func (p *Poller) Start(ctx context.Context) error {
	if err := p.reconcile(ctx); err != nil {
		return err
	}
	go p.loop(ctx)
	return nil
}

// Close stops the sweep loop.
func (p *Poller) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// reconcile resolves tasks stranded mid-submit by a crash. A task with a
// remote id made it to the provider and resumes polling as processing; one
// without never left and is failed.
func (p *Poller) reconcile(ctx context.Context) error {
	stranded, err := p.tasks.TasksByStatus(ctx, store.TaskStatusSubmitting)
	if err != nil {
		return err
	}
	for _, task := range stranded {
		if task.RemoteID != "" {
			task.Status = store.TaskStatusProcessing
		} else {
			task.Status = store.TaskStatusFailed
			task.Error = "interrupted before submission completed"
		}
		if err := p.tasks.UpdateTask(ctx, task); err != nil {
			slog.Warn("task reconcile failed", slog.String("task_id", task.ID), slogx.Error(err))
			continue
		}
		p.announce(task)
		slog.Info("task reconciled",
			slog.String("task_id", task.ID),
			slog.String("status", task.Status))
	}
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	pending, err := p.tasks.TasksByStatus(ctx, store.TaskStatusProcessing)
	if err != nil {
		slog.Warn("task sweep failed", slogx.Error(err))
		return
	}
	now := time.Now()
	var wg sync.WaitGroup
	for _, task := range pending {
		if !p.due(task, now) {
			continue
		}
		wg.Add(1)
		go func(task store.Task) {
			defer wg.Done()
			p.sync(ctx, task)
		}(task)
	}
	wg.Wait()
}

// due reports whether the task's tier interval has elapsed since its last
// poll. A never-polled task is always due.
func (p *Poller) due(task store.Task, now time.Time) bool {
	if task.LastPolledAt.IsZero() {
		return true
	}
	return now.Sub(task.LastPolledAt) >= p.interval(task)
}

func (p *Poller) interval(task store.Task) time.Duration {
	for _, tier := range p.Tiers {
		if tier.MaxEstimate == 0 || task.EstimatedSeconds <= tier.MaxEstimate {
			return tier.Interval
		}
	}
	if len(p.Tiers) > 0 {
		return p.Tiers[len(p.Tiers)-1].Interval
	}
	return p.SweepInterval
}

func (p *Poller) sync(ctx context.Context, task store.Task) {
	syncer, ok := p.syncers[task.Provider]
	if !ok {
		slog.Warn("no syncer for task provider",
			slog.String("task_id", task.ID),
			slog.String("provider", task.Provider))
		return
	}

	prevStatus := task.Status
	updated, err := syncer.Sync(ctx, task)
	if err != nil {
		// Transient failure: stamp the poll time so the task waits a full
		// interval before retrying, but keep its status.
		task.LastPolledAt = time.Now()
		if uerr := p.tasks.UpdateTask(ctx, task); uerr != nil {
			slog.Warn("task poll-time update failed", slog.String("task_id", task.ID), slogx.Error(uerr))
		}
		slog.Warn("task sync failed", slog.String("task_id", task.ID), slogx.Error(err))
		return
	}

	updated.LastPolledAt = time.Now()
	if err := p.tasks.UpdateTask(ctx, updated); err != nil {
		slog.Warn("task update failed", slog.String("task_id", updated.ID), slogx.Error(err))
		return
	}
	if updated.Status != prevStatus {
		p.announce(updated)
		slog.Info("task transitioned",
			slog.String("task_id", updated.ID),
			slog.String("status", updated.Status))
	}
}

type taskEvent struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (p *Poller) announce(task store.Task) {
	if p.hub == nil {
		return
	}
	p.hub.Broadcast(task.UserID, hub.EventTaskUpdated, taskEvent{
		TaskID: task.ID,
		Status: task.Status,
		Result: task.Result,
		Error:  task.Error,
	})
}
