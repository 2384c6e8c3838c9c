package locker

import (
	"context"
	"testing"
	"time"

	"github.com/gradienthealth/codpack/store"
)

func payload() ([]byte, error) { return []byte("metadata-snapshot"), nil }

func TestAcquireReleaseLifecycle(t *testing.T) {
	client := store.NewMem()
	ctx := context.Background()
	l := New(client, "gs://bucket/studies/1/series/2", ".cod.lock", 5*time.Second)

	if err := l.Acquire(ctx, payload); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.State() != Held {
		t.Fatalf("state = %v, want Held", l.State())
	}

	if err := l.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if l.State() != Released {
		t.Fatalf("state = %v, want Released", l.State())
	}

	if _, err := client.Stat(ctx, "gs://bucket/studies/1/series/2/.cod.lock"); err != store.ErrNotExist {
		t.Fatal("lock blob should be gone after release")
	}
}

func TestSecondAcquireFailsWhileHeld(t *testing.T) {
	client := store.NewMem()
	ctx := context.Background()
	uri := "gs://bucket/studies/1/series/2"

	first := New(client, uri, ".cod.lock", 5*time.Second)
	if err := first.Acquire(ctx, payload); err != nil {
		t.Fatal(err)
	}

	second := New(client, uri, ".cod.lock", 5*time.Second)
	err := second.Acquire(ctx, payload)
	if err == nil {
		t.Fatal("expected the second acquire to fail while the first holds the lock")
	}
	if second.State() != Failed {
		t.Fatalf("state = %v, want Failed", second.State())
	}
}

func TestVerifyFailsAfterExternalDeletion(t *testing.T) {
	client := store.NewMem()
	ctx := context.Background()
	uri := "gs://bucket/studies/1/series/2"

	l := New(client, uri, ".cod.lock", 5*time.Second)
	if err := l.Acquire(ctx, payload); err != nil {
		t.Fatal(err)
	}
	client.Delete(ctx, uri+"/.cod.lock")

	if err := l.Verify(ctx); err == nil {
		t.Fatal("expected verify to fail once the lock blob is gone")
	}
}

func TestAdoptReEntersHeldWithoutContactingStore(t *testing.T) {
	l := New(store.NewMem(), "gs://bucket/s", ".cod.lock", 5*time.Second)
	l.Adopt(7)
	if l.State() != Held {
		t.Fatalf("state = %v, want Held", l.State())
	}
	if l.Generation() != 7 {
		t.Fatalf("generation = %d, want 7", l.Generation())
	}
}

func TestReacquireSameGenerationReAdopts(t *testing.T) {
	client := store.NewMem()
	ctx := context.Background()
	uri := "gs://bucket/s"

	l := New(client, uri, ".cod.lock", 5*time.Second)
	if err := l.Acquire(ctx, payload); err != nil {
		t.Fatal(err)
	}
	gen := l.Generation()

	l2 := New(client, uri, ".cod.lock", 5*time.Second)
	l2.Adopt(gen)
	if err := l2.Acquire(ctx, payload); err != nil {
		t.Fatalf("expected re-adoption at matching generation to succeed: %v", err)
	}
	if l2.State() != Held {
		t.Fatalf("state = %v, want Held", l2.State())
	}
}
