package bridge

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoop_SubmitAndWait(t *testing.T) {
	loop := NewLoop()
	defer loop.Shutdown(context.Background())

	boom := errors.New("boom")
	task, err := loop.Submit(func(ctx context.Context) error { return boom })
	if err != nil {
		t.Fatal(err)
	}
	<-task.Done()
	if task.Err() != boom {
		t.Errorf("expected boom, got %v", task.Err())
	}
}

func TestLoop_ShutdownCancelsTasks(t *testing.T) {
	loop := NewLoop()
	task, err := loop.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := loop.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-task.Done()
	if !errors.Is(task.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", task.Err())
	}
}

func TestLoop_SubmitAfterShutdown(t *testing.T) {
	loop := NewLoop()
	if err := loop.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := loop.Submit(func(ctx context.Context) error { return nil }); err == nil {
		t.Error("expected error submitting to a shut-down loop")
	}
}

func TestLoop_ShutdownTimeout(t *testing.T) {
	loop := NewLoop()
	release := make(chan struct{})
	_, err := loop.Submit(func(ctx context.Context) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := loop.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	close(release)
	if err := loop.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestLoop_PanicRecovered(t *testing.T) {
	loop := NewLoop()
	defer loop.Shutdown(context.Background())

	task, err := loop.Submit(func(ctx context.Context) error { panic("kaboom") })
	if err != nil {
		t.Fatal(err)
	}
	<-task.Done()
	if task.Err() == nil {
		t.Error("expected panic to surface as task error")
	}
}

func TestTask_Cancel(t *testing.T) {
	loop := NewLoop()
	defer loop.Shutdown(context.Background())

	task, err := loop.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	task.Cancel()
	<-task.Done()
	if !errors.Is(task.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", task.Err())
	}
}
