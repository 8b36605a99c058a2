package commands

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type readCmd struct{}

func (readCmd) Name() string { return "test.read" }

type writeCmd struct{}

func (writeCmd) Name() string  { return "test.write" }
func (writeCmd) Mutates() bool { return true }

func TestDispatch_UnknownCommand(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Dispatch(context.Background(), readCmd{})
	var unknown ErrUnknownCommand
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestDispatch_MiddlewareOrder(t *testing.T) {
	d := NewDispatcher()
	var trace []string
	d.Register("test.read", HandlerFunc(func(ctx context.Context, cmd Command) (Response, error) {
		trace = append(trace, "handler")
		return "ok", nil
	}))
	for _, name := range []string{"outer", "inner"} {
		name := name
		d.Use(func(ctx context.Context, cmd Command, next Handler) (Response, error) {
			trace = append(trace, name)
			return next.Handle(ctx, cmd)
		})
	}
	resp, err := d.Dispatch(context.Background(), readCmd{})
	if err != nil || resp != "ok" {
		t.Fatalf("dispatch: resp=%v err=%v", resp, err)
	}
	want := []string{"outer", "inner", "handler"}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestDispatch_RegisterTwicePanics(t *testing.T) {
	d := NewDispatcher()
	h := HandlerFunc(func(ctx context.Context, cmd Command) (Response, error) { return nil, nil })
	d.Register("x", h)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	d.Register("x", h)
}

func TestGuard_TimeoutIsFailFast(t *testing.T) {
	d := NewDispatcher()
	d.Use(Guard(NewGate(), 20*time.Millisecond))
	block := make(chan struct{})
	defer close(block)
	d.Register("test.read", HandlerFunc(func(ctx context.Context, cmd Command) (Response, error) {
		<-block
		return nil, nil
	}))
	start := time.Now()
	_, err := d.Dispatch(context.Background(), readCmd{})
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("guard did not fail fast")
	}
}

func TestGuard_ParentCauseWins(t *testing.T) {
	shutdown := errors.New("shutting down")
	d := NewDispatcher()
	d.Use(Guard(NewGate(), time.Minute))
	d.Register("test.read", HandlerFunc(func(ctx context.Context, cmd Command) (Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel(shutdown)
	}()
	_, err := d.Dispatch(ctx, readCmd{})
	if !errors.Is(err, shutdown) {
		t.Fatalf("expected parent cause, got %v", err)
	}
}

func TestGuard_MutationsAreExclusive(t *testing.T) {
	d := NewDispatcher()
	d.Use(Guard(NewGate(), time.Second))
	var active, peak int32
	d.Register("test.write", HandlerFunc(func(ctx context.Context, cmd Command) (Response, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	}))
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := d.Dispatch(context.Background(), writeCmd{})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if peak != 1 {
		t.Fatalf("expected exclusive mutations, peak concurrency %d", peak)
	}
}

func TestGuard_ReadsShareGate(t *testing.T) {
	d := NewDispatcher()
	d.Use(Guard(NewGate(), time.Second))
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	d.Register("test.read", HandlerFunc(func(ctx context.Context, cmd Command) (Response, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}))
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := d.Dispatch(context.Background(), readCmd{})
			return err
		})
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("reads did not run concurrently")
		}
	}
	close(release)
	if err := g.Wait(); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestGuard_RecoversHandlerPanic(t *testing.T) {
	gate := NewGate()
	d := NewDispatcher()
	d.Use(Guard(gate, time.Second))
	d.Register("test.write", HandlerFunc(func(ctx context.Context, cmd Command) (Response, error) {
		panic("boom")
	}))
	_, err := d.Dispatch(context.Background(), writeCmd{})
	if !errors.Is(err, ErrHandlerPanic) {
		t.Fatalf("expected ErrHandlerPanic, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := gate.Acquire(ctx, true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
}
