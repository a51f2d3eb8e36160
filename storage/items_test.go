package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func itemStores(t *testing.T) map[string]ItemStore {
	t.Helper()
	return map[string]ItemStore{
		"sqlite": newTestStore(t),
		"memory": NewMemoryStore(),
	}
}

func TestItemCRUD(t *testing.T) {
	for name, store := range itemStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := store.GetItem("missing"); err != nil || ok {
				t.Fatalf("GetItem(missing) = ok %v, err %v", ok, err)
			}

			mustSetItem(t, store, "a", "1")
			mustSetItem(t, store, "a", "2")

			value, ok, err := store.GetItem("a")
			if err != nil {
				t.Fatalf("GetItem failed: %v", err)
			}
			if !ok || value != "2" {
				t.Fatalf("expected overwritten value 2, got ok=%v value=%q", ok, value)
			}

			if err := store.RemoveItem("a"); err != nil {
				t.Fatalf("RemoveItem failed: %v", err)
			}
			if err := store.RemoveItem("a"); err != nil {
				t.Fatalf("RemoveItem of absent key should succeed: %v", err)
			}
			if _, ok, _ := store.GetItem("a"); ok {
				t.Fatal("expected item to be removed")
			}
		})
	}
}

func TestListKeysSorted(t *testing.T) {
	for name, store := range itemStores(t) {
		t.Run(name, func(t *testing.T) {
			keys, err := store.ListKeys()
			if err != nil {
				t.Fatalf("ListKeys on empty store failed: %v", err)
			}
			if len(keys) != 0 {
				t.Fatalf("expected no keys, got %v", keys)
			}

			mustSetItem(t, store, "pairing-info:10.0.0.3:1", "c")
			mustSetItem(t, store, "other", "x")
			mustSetItem(t, store, "pairing-info:10.0.0.1:1", "a")

			keys, err = store.ListKeys()
			if err != nil {
				t.Fatalf("ListKeys failed: %v", err)
			}
			want := []string{"other", "pairing-info:10.0.0.1:1", "pairing-info:10.0.0.3:1"}
			if diff := cmp.Diff(want, keys); diff != "" {
				t.Fatalf("ListKeys mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	for name, store := range itemStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.SetItem("", "v"); !errors.Is(err, ErrEmptyKey) {
				t.Fatalf("expected ErrEmptyKey from SetItem, got %v", err)
			}
			if _, _, err := store.GetItem(""); !errors.Is(err, ErrEmptyKey) {
				t.Fatalf("expected ErrEmptyKey from GetItem, got %v", err)
			}
			if err := store.RemoveItem(""); !errors.Is(err, ErrEmptyKey) {
				t.Fatalf("expected ErrEmptyKey from RemoveItem, got %v", err)
			}
		})
	}
}

func TestListKeysWithPrefixEscapesWildcards(t *testing.T) {
	stores := map[string]interface {
		ItemStore
		PrefixLister
	}{
		"sqlite": newTestStore(t),
		"memory": NewMemoryStore(),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			mustSetItem(t, store, "pair_info:a", "1")
			mustSetItem(t, store, "pairXinfo:b", "2")
			mustSetItem(t, store, "pair_info:c", "3")
			mustSetItem(t, store, "PAIR_INFO:d", "4")
			mustSetItem(t, store, "Pair_Info:e", "5")

			keys, err := store.ListKeysWithPrefix("pair_info:")
			if err != nil {
				t.Fatalf("ListKeysWithPrefix failed: %v", err)
			}
			if diff := cmp.Diff([]string{"pair_info:a", "pair_info:c"}, keys); diff != "" {
				t.Fatalf("prefix mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	store, err := OpenPath(filepath.Join(t.TempDir(), DefaultDBFileName))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, _, err := store.GetItem("a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from GetItem, got %v", err)
	}
	if err := store.SetItem("a", "1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from SetItem, got %v", err)
	}
	if _, err := store.ListKeys(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from ListKeys, got %v", err)
	}
	if err := store.Checkpoint(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Checkpoint, got %v", err)
	}
}
