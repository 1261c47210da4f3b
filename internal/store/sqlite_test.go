package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every Store implementation available in this environment.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{
		"sqlite": newTestStore(t),
		"memory": NewMemStore(),
	}
	if addr := os.Getenv("SELAH_TEST_REDIS_ADDR"); addr != "" {
		r, err := NewRedisStore(context.Background(), RedisOptions{Addr: addr, Prefix: "selah-test:" + t.Name() + ":"})
		if err != nil {
			t.Fatalf("redis: %v", err)
		}
		t.Cleanup(func() {
			keys, _ := r.Keys(context.Background(), "")
			for _, k := range keys {
				r.Delete(context.Background(), k)
			}
			r.Close()
		})
		out["redis"] = r
	}
	return out
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Set(ctx, "hello", []byte("world")); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, err := s.Get(ctx, "hello")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(got) != "world" {
				t.Errorf("expected 'world', got %q", got)
			}

			// overwrite
			if err := s.Set(ctx, "hello", []byte("again")); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, _ = s.Get(ctx, "hello")
			if string(got) != "again" {
				t.Errorf("expected 'again', got %q", got)
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s.Set(ctx, "k", []byte("v"))
			if err := s.Delete(ctx, "k"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
			if err := s.Delete(ctx, "k"); err != nil {
				t.Errorf("deleting a missing key should succeed: %v", err)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"conv:b", "conv:a", "usage:2026-01-01", "memories"} {
				s.Set(ctx, k, []byte("{}"))
			}
			keys, err := s.Keys(ctx, "conv:")
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			if len(keys) != 2 || keys[0] != "conv:a" || keys[1] != "conv:b" {
				t.Errorf("keys = %v, want [conv:a conv:b]", keys)
			}
			all, _ := s.Keys(ctx, "")
			if len(all) != 4 {
				t.Errorf("expected 4 keys, got %v", all)
			}
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "selah.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Set(ctx, "preferences", []byte(`{"tone":"warm"}`))
	s.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, "preferences")
	if err != nil || string(got) != `{"tone":"warm"}` {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	type rec struct {
		ID    string    `json:"id"`
		Score float64   `json:"score"`
		Vec   []float32 `json:"vec,omitempty"`
	}
	in := []rec{{ID: "a", Score: 0.25, Vec: []float32{0.1, -0.2}}, {ID: "b"}}

	if err := SaveJSON(ctx, s, "recs", in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, found, err := LoadJSON[[]rec](ctx, s, "recs")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if len(out) != 2 || out[0].Vec[1] != -0.2 || out[1].ID != "b" {
		t.Errorf("round trip mismatch: %+v", out)
	}

	_, found, err = LoadJSON[[]rec](ctx, s, "missing")
	if err != nil || found {
		t.Errorf("missing key: found=%v err=%v", found, err)
	}

	s.Set(ctx, "bad", []byte("not json"))
	if _, _, err := LoadJSON[[]rec](ctx, s, "bad"); err == nil {
		t.Error("expected decode error")
	}
}

func TestCollectStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Set(ctx, "memories", []byte("[]"))
	s.Set(ctx, "conv:1", []byte("{}"))
	s.Set(ctx, "conv:2", []byte("{}"))
	s.Set(ctx, "usage:2026-10-15", []byte("3"))

	st, err := CollectStats(ctx, s)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalKeys != 4 {
		t.Errorf("expected 4 keys, got %d", st.TotalKeys)
	}
	if st.DBSizeBytes == 0 {
		t.Error("expected non-zero db size")
	}
	if len(st.Prefixes) != 3 || st.Prefixes[0].Prefix != "conv:" || st.Prefixes[0].Count != 2 {
		t.Errorf("unexpected prefixes %+v", st.Prefixes)
	}
}
