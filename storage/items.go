package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetItem returns the value stored under key. The bool is false when the key is absent.
func (s *Store) GetItem(key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}

	db, err := s.handle()
	if err != nil {
		return "", false, err
	}

	var value string
	err = db.QueryRow(`SELECT item_value FROM items WHERE item_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get item %q: %w", key, err)
	}

	return value, true, nil
}

// SetItem inserts or replaces the value stored under key.
func (s *Store) SetItem(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}

	db, err := s.handle()
	if err != nil {
		return err
	}

	_, err = db.Exec(
		`INSERT INTO items (item_key, item_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(item_key) DO UPDATE SET
			item_value = excluded.item_value,
			updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set item %q: %w", key, err)
	}

	return nil
}

// RemoveItem deletes key. Removing an absent key is not an error.
func (s *Store) RemoveItem(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	db, err := s.handle()
	if err != nil {
		return err
	}

	if _, err := db.Exec(`DELETE FROM items WHERE item_key = ?`, key); err != nil {
		return fmt.Errorf("remove item %q: %w", key, err)
	}
	return nil
}

// ListKeys returns every stored key in ascending order.
func (s *Store) ListKeys() ([]string, error) {
	return s.queryKeys(`SELECT item_key FROM items ORDER BY item_key ASC`)
}

// ListKeysWithPrefix returns stored keys starting with prefix in ascending order.
func (s *Store) ListKeysWithPrefix(prefix string) ([]string, error) {
	if prefix == "" {
		return s.ListKeys()
	}
	// Compared byte for byte: LIKE would fold ASCII case and match foreign keys.
	return s.queryKeys(
		`SELECT item_key FROM items WHERE substr(item_key, 1, length(?1)) = ?1 ORDER BY item_key ASC`,
		prefix,
	)
}

func (s *Store) queryKeys(query string, args ...any) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list item keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan item key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item keys: %w", err)
	}

	return keys, nil
}
