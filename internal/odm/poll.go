package odm

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/odmkit/odmctl/internal/telemetry"
	"github.com/odmkit/odmctl/pkg/api"
)

// DefaultPollInterval is the pause between two status fetches.
const DefaultPollInterval = 3 * time.Second

// State is the poll state machine position.
type State int

const (
	StateInProgress State = iota
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "in progress"
	}
}

// Snapshot is one observation of a remote task.
type Snapshot struct {
	Status         *api.StatusCode
	ProcessingTime int64 // milliseconds
	Progress       float64
	Message        string
}

// Classify maps a status code onto the poll states. A missing status means
// the server has not picked the task up yet.
func Classify(status *api.StatusCode) State {
	if status == nil {
		return StateInProgress
	}
	switch *status {
	case api.StatusCompleted:
		return StateCompleted
	case api.StatusFailed, api.StatusCanceled:
		return StateFailed
	default:
		return StateInProgress
	}
}

// Progress is what the poller reports on every in-progress tick.
type Progress struct {
	Elapsed  string
	Fraction float64
	Status   *api.StatusCode
}

func (p Progress) String() string {
	return fmt.Sprintf("Processing . . . (%s) (%2.2f%%)", p.Elapsed, p.Fraction*100)
}

// FetchFunc returns the current snapshot of the task being polled.
type FetchFunc func(ctx context.Context) (Snapshot, error)

// Poller drives a task from in progress to one of the terminal states.
type Poller struct {
	Interval time.Duration
	// Sleep defaults to SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnProgress is called for every in-progress snapshot.
	OnProgress func(Progress)
}

// Run fetches snapshots until one is terminal and returns it with its state.
// It returns ctx.Err() as soon as the context is done, whether the loop is
// sleeping or fetching.
func (p Poller) Run(ctx context.Context, fetch FetchFunc) (Snapshot, State, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	for {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, StateInProgress, err
		}
		snap, err := fetch(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Snapshot{}, StateInProgress, ctxErr
			}
			return Snapshot{}, StateInProgress, fmt.Errorf("fetch task status: %w", err)
		}

		state := Classify(snap.Status)
		if state != StateInProgress {
			return snap, state, nil
		}
		telemetry.GaugeGlobal("odm_task_progress", snap.Progress, nil)
		if p.OnProgress != nil {
			p.OnProgress(Progress{
				Elapsed:  FormatElapsed(snap.ProcessingTime),
				Fraction: snap.Progress,
				Status:   snap.Status,
			})
		}
		if err := sleep(ctx, interval); err != nil {
			return Snapshot{}, StateInProgress, err
		}
	}
}

// FormatElapsed renders a millisecond processing time as HH:MM:SS. Negative
// values count as zero. Fractional seconds round half to even, so 500ms is
// 00:00:00 and 1500ms is 00:00:02; a rounded 60th second carries into the
// minutes.
func FormatElapsed(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	total := int64(math.RoundToEven(float64(ms) / 1000))
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
