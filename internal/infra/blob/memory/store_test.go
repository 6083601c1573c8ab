package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"ixstudy/internal/blob/core"
)

func TestRoundTripAndIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()

	meta := map[string]string{"study": "7"}
	if _, err := store.Put(ctx, "db1/run_000001/status.json", strings.NewReader(`{"ok":true}`), core.PutOptions{ContentType: "application/json", Metadata: meta}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	meta["study"] = "mutated"

	info, rc, err := store.Get(ctx, "db1/run_000001/status.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != `{"ok":true}` {
		t.Fatalf("got body %q", data)
	}
	if info.Metadata["study"] != "7" {
		t.Fatalf("caller mutation leaked into stored metadata: %+v", info.Metadata)
	}
	if info.ContentType != "application/json" || info.Size != int64(len(data)) {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestHeadAndDelete(t *testing.T) {
	store := New()
	store.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	if _, err := store.Put(ctx, "db1/a", strings.NewReader("x"), core.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	info, err := store.Head(ctx, "db1/a")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if !info.LastModified.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected modification time %v", info.LastModified)
	}

	removed, err := store.Delete(ctx, "db1/a")
	if err != nil || !removed {
		t.Fatalf("Delete = (%v, %v), want removal", removed, err)
	}
	if _, err := store.Head(ctx, "db1/a"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Head after delete = %v, want ErrNotFound", err)
	}
	removed, err = store.Delete(ctx, "db1/a")
	if err != nil || removed {
		t.Fatalf("second Delete = (%v, %v), want no-op", removed, err)
	}
}

func TestListByPrefix(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, key := range []string{"db2/run_000001/x", "db1/run_000002/y", "db1/run_000001/z"} {
		if _, err := store.Put(ctx, key, strings.NewReader(key), core.PutOptions{}); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	infos, err := store.List(ctx, "db1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "db1/run_000001/z" || infos[1].Key != "db1/run_000002/y" {
		t.Fatalf("unexpected listing: %+v", infos)
	}
}

func TestRejectsInvalidKeys(t *testing.T) {
	store := New()
	for _, key := range []string{"", "/abs", "a//b", "a/.."} {
		if _, err := store.Put(context.Background(), key, strings.NewReader("x"), core.PutOptions{}); err == nil {
			t.Errorf("Put accepted key %q", key)
		}
	}
}
