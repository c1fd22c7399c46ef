// Package job runs out-of-band maintenance work under a job lock and records
// one run-record per invocation. The pattern is: acquire the job's lock,
// optionally check the last successful run, do the work, write a run record
// keyed by start time, release the lock.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/snapvault/backend/internal/lock"
	"github.com/snapvault/backend/internal/obs"
	"github.com/snapvault/backend/internal/store"
)

// jobResource is the lock resource type for maintenance jobs.
const jobResource = "job"

const (
	endTimeAttr    = "end_time"
	statusAttr     = "status"
	statsAttr      = "stats"
	failureMsgAttr = "failure_msg"

	runRangePrefix = "RUN#"

	// StatusSuccess and StatusFailure are the terminal run states.
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ErrAlreadyRunning is returned by Run when another invocation of the same
// job holds the lock.
var ErrAlreadyRunning = errors.New("job is already running")

// Stats is the free-form counter blob a job reports.
type Stats map[string]int64

// RunRecord is the persisted outcome of one job invocation. One record is
// written per run, at completion.
type RunRecord struct {
	Name       string
	StartTime  time.Time
	EndTime    time.Time
	Status     string
	Stats      Stats
	FailureMsg string
}

// Func is the body of a job. It returns the stats to record; a non-nil error
// records the run as failed.
type Func func(ctx context.Context) (Stats, error)

// Runner executes named jobs.
type Runner struct {
	st     store.Store
	locks  *lock.Manager
	logger obs.Logger
	clock  func() time.Time
}

// Option is a functional option for configuring a [Runner].
type Option func(*Runner)

// WithClock sets a custom clock function. Defaults to [time.Now].
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

// NewRunner creates a Runner.
func NewRunner(st store.Store, locks *lock.Manager, logger obs.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = obs.NopLogger{}
	}

	r := &Runner{
		st:     st,
		locks:  locks,
		logger: logger.WithField("component", "job"),
		clock:  time.Now,
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

func runKey(name string, start time.Time) store.Key {
	return store.Key{
		Hash:  "JOB#" + name,
		Range: runRangePrefix + start.UTC().Format(time.RFC3339Nano),
	}
}

// Run executes fn under the job's lock and writes its run record. Abandoned
// locks from crashed runs are taken over. If another live invocation holds
// the lock, Run returns ErrAlreadyRunning without running fn. The run record
// is returned alongside fn's error, so a failed run still reports its record.
func (r *Runner) Run(ctx context.Context, name string, fn Func) (*RunRecord, error) {
	l, status, err := r.locks.TryAcquire(ctx, jobResource, name, "", true)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for job %s: %w", name, err)
	}

	if status == lock.Failed {
		return nil, fmt.Errorf("job %s: %w", name, ErrAlreadyRunning)
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		if err := r.locks.Release(releaseCtx, l); err != nil && !errors.Is(err, lock.ErrNotOwner) {
			r.logger.WithField("job", name).WithField("error", err.Error()).Warn("failed to release job lock")
		}
	}()

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	r.locks.StartRenewal(renewCtx, l)

	logger := r.logger.WithField("job", name)
	logger.Info("job started")

	rec := &RunRecord{
		Name:      name,
		StartTime: r.clock(),
		Status:    StatusSuccess,
	}

	stats, runErr := fn(ctx)

	rec.EndTime = r.clock()
	rec.Stats = stats

	if runErr != nil {
		rec.Status = StatusFailure
		rec.FailureMsg = runErr.Error()
		logger.WithField("error", runErr.Error()).Error("job failed")
	} else {
		logger.WithField("duration", rec.EndTime.Sub(rec.StartTime).String()).Info("job finished")
	}

	if err := r.writeRecord(ctx, rec); err != nil {
		logger.WithField("error", err.Error()).Error("failed to write job run record")
		if runErr == nil {
			return rec, err
		}
	}

	return rec, runErr
}

func (r *Runner) writeRecord(ctx context.Context, rec *RunRecord) error {
	item := store.Item{
		endTimeAttr: rec.EndTime.Unix(),
		statusAttr:  rec.Status,
	}

	if rec.FailureMsg != "" {
		item[failureMsgAttr] = rec.FailureMsg
	}

	if len(rec.Stats) > 0 {
		b, err := json.Marshal(rec.Stats)
		if err != nil {
			return fmt.Errorf("failed to marshal stats for job %s: %w", rec.Name, err)
		}
		item[statsAttr] = b
	}

	if err := r.st.Put(ctx, runKey(rec.Name, rec.StartTime), item, nil); err != nil {
		return fmt.Errorf("failed to write run record for job %s: %w", rec.Name, err)
	}

	return nil
}

// LastSuccess returns the most recent successful run record for the named
// job, or nil if it has never succeeded.
func (r *Runner) LastSuccess(ctx context.Context, name string) (*RunRecord, error) {
	q := store.Query{
		Hash:        "JOB#" + name,
		RangePrefix: runRangePrefix,
		Limit:       16,
		Descending:  true,
	}

	for {
		rows, next, err := r.st.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to list run records for job %s: %w", name, err)
		}

		for _, row := range rows {
			if store.StringAttr(row.Item, statusAttr) != StatusSuccess {
				continue
			}
			return recordFromRow(name, row)
		}

		if next == nil {
			return nil, nil
		}

		q.StartKey = next
	}
}

func recordFromRow(name string, row store.Row) (*RunRecord, error) {
	startStr := strings.TrimPrefix(row.Key.Range, runRangePrefix)

	start, err := time.Parse(time.RFC3339Nano, startStr)
	if err != nil {
		return nil, fmt.Errorf("malformed run record key %q for job %s: %w", row.Key.Range, name, err)
	}

	rec := &RunRecord{
		Name:       name,
		StartTime:  start,
		Status:     store.StringAttr(row.Item, statusAttr),
		FailureMsg: store.StringAttr(row.Item, failureMsgAttr),
	}

	if v := store.Int64Attr(row.Item, endTimeAttr); v > 0 {
		rec.EndTime = time.Unix(v, 0)
	}

	if b := store.BytesAttr(row.Item, statsAttr); len(b) > 0 {
		if err := json.Unmarshal(b, &rec.Stats); err != nil {
			return nil, fmt.Errorf("corrupt stats on run record for job %s: %w", name, err)
		}
	}

	return rec, nil
}
