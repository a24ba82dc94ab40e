package repository_test

import (
	"bytes"
	"context"
	"testing"

	"orbishost/internal/plugin/repository"
	appErr "orbishost/pkg/errors"
)

func TestContextStore(t *testing.T) {
	impls := []struct {
		name string
		make func(t *testing.T) repository.ContextStore
	}{
		{"redis", func(t *testing.T) repository.ContextStore {
			return repository.NewRedisContextStore(newTestCache(t))
		}},
		{"memory", func(t *testing.T) repository.ContextStore {
			return repository.NewMemoryContextStore()
		}},
	}

	for _, impl := range impls {
		t.Run(impl.name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("missing key", func(t *testing.T) {
				store := impl.make(t)
				val, found, err := store.Get(ctx, "echo", "absent")
				if err != nil {
					t.Fatalf("Get() error = %v", err)
				}
				if found || val != nil {
					t.Errorf("Get() = (%v, %v), want (nil, false)", val, found)
				}
			})

			t.Run("set then get", func(t *testing.T) {
				store := impl.make(t)
				want := []byte(`{"count":42}`)
				if err := store.Set(ctx, "echo", "stats", want); err != nil {
					t.Fatalf("Set() error = %v", err)
				}
				got, found, err := store.Get(ctx, "echo", "stats")
				if err != nil {
					t.Fatalf("Get() error = %v", err)
				}
				if !found || !bytes.Equal(got, want) {
					t.Errorf("Get() = (%q, %v), want (%q, true)", got, found, want)
				}
			})

			t.Run("stored empty is found", func(t *testing.T) {
				store := impl.make(t)
				if err := store.Set(ctx, "echo", "blank", []byte{}); err != nil {
					t.Fatalf("Set() error = %v", err)
				}
				got, found, err := store.Get(ctx, "echo", "blank")
				if err != nil {
					t.Fatalf("Get() error = %v", err)
				}
				if !found {
					t.Error("Get() found = false, want true for stored empty value")
				}
				if len(got) != 0 {
					t.Errorf("Get() = %q, want empty", got)
				}
			})

			t.Run("has", func(t *testing.T) {
				store := impl.make(t)
				exists, err := store.Has(ctx, "echo", "flag")
				if err != nil {
					t.Fatalf("Has() error = %v", err)
				}
				if exists {
					t.Error("Has() = true before Set, want false")
				}
				if err := store.Set(ctx, "echo", "flag", []byte("1")); err != nil {
					t.Fatalf("Set() error = %v", err)
				}
				exists, err = store.Has(ctx, "echo", "flag")
				if err != nil {
					t.Fatalf("Has() error = %v", err)
				}
				if !exists {
					t.Error("Has() = false after Set, want true")
				}
			})

			t.Run("snapshot", func(t *testing.T) {
				store := impl.make(t)
				if err := store.Set(ctx, "echo", "a", []byte("1")); err != nil {
					t.Fatalf("Set() error = %v", err)
				}
				if err := store.Set(ctx, "echo", "b", []byte("2")); err != nil {
					t.Fatalf("Set() error = %v", err)
				}
				snapshot, err := store.Snapshot(ctx, "echo")
				if err != nil {
					t.Fatalf("Snapshot() error = %v", err)
				}
				if len(snapshot) != 2 {
					t.Fatalf("Snapshot() has %d entries, want 2", len(snapshot))
				}
				if !bytes.Equal(snapshot["a"], []byte("1")) || !bytes.Equal(snapshot["b"], []byte("2")) {
					t.Errorf("Snapshot() = %v, want a=1 b=2", snapshot)
				}
			})

			t.Run("plugins are isolated", func(t *testing.T) {
				store := impl.make(t)
				if err := store.Set(ctx, "writer", "shared", []byte("mine")); err != nil {
					t.Fatalf("Set() error = %v", err)
				}
				_, found, err := store.Get(ctx, "reader", "shared")
				if err != nil {
					t.Fatalf("Get() error = %v", err)
				}
				if found {
					t.Error("Get() from another plugin found the key, want isolation")
				}
			})

			t.Run("validation", func(t *testing.T) {
				store := impl.make(t)
				if _, _, err := store.Get(ctx, "", "key"); !appErr.Is(err, appErr.ValidationFailed) {
					t.Errorf("Get() without plugin error = %v, want code %d", err, appErr.ValidationFailed)
				}
				if err := store.Set(ctx, "echo", "", nil); !appErr.Is(err, appErr.ValidationFailed) {
					t.Errorf("Set() without key error = %v, want code %d", err, appErr.ValidationFailed)
				}
			})
		})
	}
}

func TestMemoryContextStore_CopiesValues(t *testing.T) {
	store := repository.NewMemoryContextStore()
	ctx := context.Background()

	original := []byte("immutable")
	if err := store.Set(ctx, "echo", "key", original); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	original[0] = 'X'

	got, _, err := store.Get(ctx, "echo", "key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "immutable" {
		t.Errorf("Get() = %q, caller mutation leaked into the store", got)
	}

	got[0] = 'Y'
	again, _, err := store.Get(ctx, "echo", "key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(again) != "immutable" {
		t.Errorf("Get() = %q, returned slice aliases the store", again)
	}
}
