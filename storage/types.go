package storage

import (
	"errors"
	"time"
)

var (
	// ErrEmptyKey indicates an item operation was called without a key.
	ErrEmptyKey = errors.New("storage: item key is required")
	// ErrClosed is returned by Store operations after Close.
	ErrClosed = errors.New("storage: store is closed")
)

// ItemStore is the string key-value contract shared by the SQLite and in-memory stores.
type ItemStore interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
	ListKeys() ([]string, error)
}

// PrefixLister lists keys under a prefix without scanning the whole store.
type PrefixLister interface {
	ListKeysWithPrefix(prefix string) ([]string, error)
}

// Checkpointer is implemented by stores that can compact their files after deletes.
type Checkpointer interface {
	Checkpoint() error
}

var (
	_ ItemStore    = (*Store)(nil)
	_ ItemStore    = (*MemoryStore)(nil)
	_ PrefixLister = (*Store)(nil)
	_ PrefixLister = (*MemoryStore)(nil)
	_ Checkpointer = (*Store)(nil)
)

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
