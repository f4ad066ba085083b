package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type fakeJob struct {
	runs    atomic.Int32
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeJob) RunDue(ctx context.Context) error {
	f.runs.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	return f.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunDue(t *testing.T) {
	job := &fakeJob{}
	m := New(job, time.Second, discard())

	if err := m.RunDue(context.Background()); err != nil {
		t.Fatalf("RunDue() error = %v", err)
	}
	job.err = errors.New("boom")
	if err := m.RunDue(context.Background()); err == nil {
		t.Error("RunDue() error = nil, want job failure")
	}
	if n := job.runs.Load(); n != 2 {
		t.Errorf("runs = %d, want 2", n)
	}
}

func TestRunDueNoOverlap(t *testing.T) {
	job := &fakeJob{started: make(chan struct{}), release: make(chan struct{})}
	m := New(job, 0, discard())

	done := make(chan error)
	go func() { done <- m.RunDue(context.Background()) }()
	<-job.started

	if err := m.RunDue(context.Background()); err != nil {
		t.Errorf("overlapping RunDue() error = %v, want nil", err)
	}
	close(job.release)
	if err := <-done; err != nil {
		t.Errorf("first RunDue() error = %v", err)
	}
	if n := job.runs.Load(); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	m := New(&fakeJob{}, 0, discard())
	if err := m.Start("not a spec"); err == nil {
		t.Error("Start() error = nil, want invalid spec")
	}
}

func TestStartStop(t *testing.T) {
	m := New(&fakeJob{}, 0, discard())
	if err := m.Start("@every 1h"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	m.Stop()
}
