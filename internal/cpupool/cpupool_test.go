package cpupool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunReturnsResult(t *testing.T) {
	p := New(2)
	result, err := p.Run(context.Background(), func() (string, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "ok" {
		t.Fatalf("got %q, want %q", result, "ok")
	}
}

func TestRunPropagatesError(t *testing.T) {
	p := New(2)
	wantErr := errors.New("boom")
	_, err := p.Run(context.Background(), func() (string, error) { return "", wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	p := New(1)
	var inFlight int32
	var maxObserved int32

	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), func() (string, error) {
			n := atomic.AddInt32(&inFlight, 1)
			if n > atomic.LoadInt32(&maxObserved) {
				atomic.StoreInt32(&maxObserved, n)
			}
			<-block
			atomic.AddInt32(&inFlight, -1)
			return "", nil
		})
		close(done)
	}()

	// Give the first call a moment to acquire the only slot, then try a
	// second concurrently: it must block until the first releases.
	time.Sleep(20 * time.Millisecond)
	secondStarted := make(chan struct{})
	go func() {
		p.Run(context.Background(), func() (string, error) {
			close(secondStarted)
			n := atomic.AddInt32(&inFlight, 1)
			if n > atomic.LoadInt32(&maxObserved) {
				atomic.StoreInt32(&maxObserved, n)
			}
			atomic.AddInt32(&inFlight, -1)
			return "", nil
		})
	}()

	select {
	case <-secondStarted:
		t.Fatal("second call started while the pool of size 1 was occupied")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	<-done
	select {
	case <-secondStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("second call never started after the first released its slot")
	}

	if atomic.LoadInt32(&maxObserved) > 1 {
		t.Fatalf("observed %d concurrent calls, pool size was 1", maxObserved)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx, func() (string, error) { return "unreachable", nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
