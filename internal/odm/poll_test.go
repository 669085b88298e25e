package odm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/odmkit/odmctl/internal/telemetry"
	"github.com/odmkit/odmctl/pkg/api"
)

func status(s api.StatusCode) *api.StatusCode { return &s }

func TestFormatElapsed(t *testing.T) {
	cases := []struct {
		ms   int64
		want string
	}{
		{-500, "00:00:00"},
		{0, "00:00:00"},
		{500, "00:00:00"},
		{1499, "00:00:01"},
		{1500, "00:00:02"},
		{2500, "00:00:02"},
		{59_600, "00:01:00"},
		{3_661_000, "01:01:01"},
		{36_000_000, "10:00:00"},
	}
	for _, c := range cases {
		if got := FormatElapsed(c.ms); got != c.want {
			t.Errorf("FormatElapsed(%d) = %s, want %s", c.ms, got, c.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		in   *api.StatusCode
		want State
	}{
		{nil, StateInProgress},
		{status(api.StatusQueued), StateInProgress},
		{status(api.StatusRunning), StateInProgress},
		{status(api.StatusCompleted), StateCompleted},
		{status(api.StatusFailed), StateFailed},
		{status(api.StatusCanceled), StateFailed},
	}
	for _, c := range cases {
		if got := Classify(c.in); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestPollerFetchesUntilCompleted(t *testing.T) {
	script := []*api.StatusCode{status(api.StatusRunning), nil, status(api.StatusCompleted)}
	fetches, sleeps := 0, 0
	var reports []Progress

	p := Poller{
		Interval: time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			if d != time.Second {
				t.Fatalf("unexpected interval %s", d)
			}
			sleeps++
			return nil
		},
		OnProgress: func(pr Progress) { reports = append(reports, pr) },
	}
	snap, state, err := p.Run(context.Background(), func(ctx context.Context) (Snapshot, error) {
		s := script[fetches]
		fetches++
		return Snapshot{Status: s, ProcessingTime: 3_661_000, Progress: 0.25}, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != StateCompleted || Classify(snap.Status) != StateCompleted {
		t.Fatalf("expected completed, got %s", state)
	}
	if fetches != 3 || sleeps != 2 {
		t.Fatalf("expected 3 fetches and 2 sleeps, got %d and %d", fetches, sleeps)
	}
	if len(reports) != 2 || reports[0].String() != "Processing . . . (01:01:01) (25.00%)" {
		t.Fatalf("unexpected reports %+v", reports)
	}
}

func TestPollerRecordsProgressGauge(t *testing.T) {
	telemetry.InitGlobal(true)
	t.Cleanup(func() { telemetry.InitGlobal(false) })

	script := []*api.StatusCode{status(api.StatusRunning), status(api.StatusCompleted)}
	fetches := 0
	p := Poller{Sleep: func(context.Context, time.Duration) error { return nil }}
	if _, _, err := p.Run(context.Background(), func(ctx context.Context) (Snapshot, error) {
		s := script[fetches]
		fetches++
		return Snapshot{Status: s, Progress: 0.4}, nil
	}); err != nil {
		t.Fatalf("run: %v", err)
	}

	var gauges []float64
	for _, m := range telemetry.GetGlobal().GetMetrics() {
		if m.Name == "odm_task_progress" {
			gauges = append(gauges, m.Value)
		}
	}
	if len(gauges) != 1 || gauges[0] != 0.4 {
		t.Fatalf("expected one progress gauge of 0.4, got %v", gauges)
	}
}

func TestPollerReportsFailure(t *testing.T) {
	p := Poller{Sleep: func(context.Context, time.Duration) error { return nil }}
	_, state, err := p.Run(context.Background(), func(ctx context.Context) (Snapshot, error) {
		return Snapshot{Status: status(api.StatusFailed)}, nil
	})
	if err != nil || state != StateFailed {
		t.Fatalf("expected failed state, got %s %v", state, err)
	}
}

func TestPollerStopsWhenCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetches := 0
	p := Poller{
		Interval: time.Hour,
		OnProgress: func(Progress) {
			cancel()
		},
	}
	_, _, err := p.Run(ctx, func(ctx context.Context) (Snapshot, error) {
		fetches++
		return Snapshot{Status: status(api.StatusRunning)}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fetches != 1 {
		t.Fatalf("expected polling to stop after cancel, got %d fetches", fetches)
	}
}

func TestPollerPropagatesFetchErrors(t *testing.T) {
	boom := errors.New("boom")
	p := Poller{}
	_, _, err := p.Run(context.Background(), func(ctx context.Context) (Snapshot, error) {
		return Snapshot{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}
