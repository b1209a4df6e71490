package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"backbone/internal/metrics"
	"backbone/internal/support"
)

const (
	resultSuccess = "success"
	resultError   = "error"

	fallbackInterval = time.Hour
)

var ErrUnknownTask = errors.New("maintenance: unknown task")

// Task is a periodic cleanup. Run returns how many rows it touched.
type Task struct {
	Name     string
	LockKey  string
	Run      func(ctx context.Context) (int64, error)
	Interval func() time.Duration
	// Updates delivers interval changes. Optional.
	Updates <-chan time.Duration
}

// Runner schedules tasks on the instance holding each task's leader lock and
// lets callers trigger a run on demand.
type Runner struct {
	redis *redis.Client
	tasks map[string]Task
	group singleflight.Group
	wg    sync.WaitGroup
}

// NewRunner accepts a nil client, in which case every task runs locally.
func NewRunner(client *redis.Client, tasks ...Task) *Runner {
	r := &Runner{redis: client, tasks: make(map[string]Task, len(tasks))}
	for _, task := range tasks {
		r.tasks[task.Name] = task
	}
	return r
}

// RunNow executes the named task once. Concurrent calls for the same task share
// a single run.
func (r *Runner) RunNow(ctx context.Context, name string) (int64, error) {
	task, ok := r.tasks[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	value, err, _ := r.group.Do(name, func() (any, error) {
		return r.execute(ctx, task)
	})
	if err != nil {
		return 0, err
	}
	return value.(int64), nil
}

func (r *Runner) execute(ctx context.Context, task Task) (int64, error) {
	start := time.Now()

	removed, err := task.Run(ctx)
	if err != nil {
		metrics.MaintenanceRuns.WithLabelValues(task.Name, resultError).Inc()
		if errors.Is(err, context.Canceled) {
			log.Info("Maintenance task canceled", "task", task.Name, "duration", time.Since(start))
		} else {
			log.Error("Maintenance task failed", "task", task.Name, "error", err)
		}
		return 0, err
	}

	metrics.MaintenanceRuns.WithLabelValues(task.Name, resultSuccess).Inc()
	if removed > 0 {
		log.Info("Maintenance task completed", "task", task.Name, "affected", removed, "duration", time.Since(start))
	} else {
		log.Debug("Maintenance task completed", "task", task.Name, "duration", time.Since(start))
	}
	return removed, nil
}

// Start launches one loop per task and returns immediately. Wait blocks until
// they have stopped after ctx ends.
func (r *Runner) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, task := range r.tasks {
		r.wg.Add(1)
		go func(task Task) {
			defer r.wg.Done()
			r.startTask(ctx, task)
		}(task)
	}
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) startTask(ctx context.Context, task Task) {
	var intervalValue atomic.Value
	intervalValue.Store(resolveInterval(task.Interval))

	updateSignal := make(chan struct{}, 1)
	if task.Updates != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case newInterval := <-task.Updates:
					if newInterval <= 0 {
						newInterval = fallbackInterval
					}
					intervalValue.Store(newInterval)
					select {
					case updateSignal <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	err := support.RunWithLeader(ctx, r.redis, task.LockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		r.loop(leaderCtx, task, &intervalValue, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Maintenance routine stopped", "task", task.Name, "error", err)
	}
}

func (r *Runner) loop(ctx context.Context, task Task, intervalValue *atomic.Value, updateSignal <-chan struct{}) {
	currentInterval := intervalValue.Load().(time.Duration)
	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	_, _ = r.RunNow(ctx, task.Name)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.RunNow(ctx, task.Name)
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval == currentInterval {
				continue
			}
			drainTicker(ticker)
			currentInterval = newInterval
			ticker.Reset(currentInterval)
			log.Debug("Maintenance interval changed", "task", task.Name, "interval", currentInterval)
		}
	}
}

func resolveInterval(interval func() time.Duration) time.Duration {
	if interval == nil {
		return fallbackInterval
	}
	if d := interval(); d > 0 {
		return d
	}
	return fallbackInterval
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
