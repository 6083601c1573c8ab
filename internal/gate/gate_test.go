package gate

import (
	"context"
	"testing"
	"time"
)

func TestTryAcquireRespectsCapacity(t *testing.T) {
	g := New(3, time.Millisecond)
	if !g.TryAcquire(2) {
		t.Fatal("first acquire refused")
	}
	if g.TryAcquire(2) {
		t.Fatal("over-capacity acquire admitted")
	}
	if !g.TryAcquire(1) {
		t.Fatal("exact-fit acquire refused")
	}
	if g.InUse() != 3 {
		t.Fatalf("in use = %d, want 3", g.InUse())
	}
	g.Release(2)
	if g.InUse() != 1 {
		t.Fatalf("in use = %d, want 1", g.InUse())
	}
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	g := New(1, time.Millisecond)
	if err := g.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	admitted := make(chan error, 1)
	go func() {
		admitted <- g.Acquire(context.Background(), 1)
	}()
	select {
	case err := <-admitted:
		t.Fatalf("second caller admitted while gate full (err=%v)", err)
	case <-time.After(20 * time.Millisecond):
	}
	g.Release(1)
	select {
	case err := <-admitted:
		if err != nil {
			t.Fatalf("Acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second caller never admitted after release")
	}
}

func TestAcquireFailsFastAboveCapacity(t *testing.T) {
	g := New(2, time.Millisecond)
	if err := g.Acquire(context.Background(), 3); err == nil {
		t.Fatal("weight above capacity admitted")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	g := New(1, time.Millisecond)
	if !g.TryAcquire(1) {
		t.Fatal("setup acquire refused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx, 1); err == nil {
		t.Fatal("Acquire returned nil on cancelled context")
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	g := New(2, time.Millisecond)
	g.Release(5)
	if g.InUse() != 0 {
		t.Fatalf("in use = %d, want 0", g.InUse())
	}
	if !g.TryAcquire(2) {
		t.Fatal("acquire refused after over-release")
	}
}
