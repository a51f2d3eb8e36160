package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSetItem(t *testing.T, store ItemStore, key, value string) {
	t.Helper()

	if err := store.SetItem(key, value); err != nil {
		t.Fatalf("set item %q: %v", key, err)
	}
}
