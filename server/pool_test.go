package server

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolDo(t *testing.T) {
	p := NewPool(2)
	defer p.Stop()

	v, err := p.Do(context.Background(), func(context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if v != 42 {
		t.Errorf("Do = %v, want 42", v)
	}

	wantErr := errors.New("boom")
	if _, err := p.Do(context.Background(), func(context.Context) (any, error) {
		return nil, wantErr
	}); !errors.Is(err, wantErr) {
		t.Errorf("Do error = %v, want %v", err, wantErr)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(1)
	defer p.Stop()

	_, err := p.Do(context.Background(), func(context.Context) (any, error) {
		panic("kaboom")
	})
	if err == nil || !strings.Contains(err.Error(), "worker panic: kaboom") {
		t.Fatalf("Do error = %v, want worker panic", err)
	}

	// The worker survives the panic.
	v, err := p.Do(context.Background(), func(context.Context) (any, error) {
		return "still here", nil
	})
	if err != nil || v != "still here" {
		t.Errorf("Do after panic = %v, %v", v, err)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	defer p.Stop()

	var running, peak atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			p.Do(context.Background(), func(context.Context) (any, error) {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil, nil
			})
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", got)
	}
}

func TestPoolContextCancel(t *testing.T) {
	p := NewPool(1)
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		_, err := p.Do(ctx, func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		errc <- err
	}()

	<-started
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestPoolCanceledBeforeStart(t *testing.T) {
	p := NewPool(1)
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	_, err := p.Do(ctx, func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do error = %v, want context.Canceled", err)
	}
	if ran.Load() {
		t.Error("job ran with a canceled context")
	}
}

func TestPoolStop(t *testing.T) {
	p := NewPool(2)
	p.Stop()
	p.Stop() // idempotent

	_, err := p.Do(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Do after Stop = %v, want ErrPoolStopped", err)
	}
}
