// Package storage - order document persistence.
// Orders are stored as opaque JSON blobs keyed by a random id, with a
// per-wallet index listing the ids each wallet tracks.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Order persistence errors
var (
	ErrOrderNotFound = errors.New("order not found")
)

// NewOrderID returns a fresh random order document id.
func NewOrderID() string {
	return uuid.NewString()
}

// PutOrder saves or replaces an order document.
func (s *Storage) PutOrder(id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO orders (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query, id, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", id, err)
	}
	return nil
}

// GetOrder loads an order document by id.
func (s *Storage) GetOrder(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(`SELECT data FROM orders WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	return []byte(data), nil
}

// DeleteOrder removes an order document and any index entries pointing at it.
func (s *Storage) DeleteOrder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM orders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete order %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM order_index WHERE order_id = ?`, id); err != nil {
		return fmt.Errorf("failed to unindex order %s: %w", id, err)
	}
	return tx.Commit()
}

// AppendOrderIndex adds an order id to a wallet's index. Appending an id
// that is already present is a no-op.
func (s *Storage) AppendOrderIndex(address, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO order_index (address, order_id, position)
		VALUES (?, ?, COALESCE((SELECT MAX(position) + 1 FROM order_index WHERE address = ?), 0))
		ON CONFLICT(address, order_id) DO NOTHING
	`
	_, err := s.db.Exec(query, address, id, address)
	if err != nil {
		return fmt.Errorf("failed to index order %s: %w", id, err)
	}
	return nil
}

// OrderIndex returns the order ids a wallet tracks, in insertion order.
func (s *Storage) OrderIndex(address string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT order_id FROM order_index WHERE address = ? ORDER BY position`, address)
	if err != nil {
		return nil, fmt.Errorf("failed to load order index: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveFromIndex drops an order id from a wallet's index, keeping the
// document itself.
func (s *Storage) RemoveFromIndex(address, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM order_index WHERE address = ? AND order_id = ?`, address, id)
	if err != nil {
		return fmt.Errorf("failed to unindex order %s: %w", id, err)
	}
	return nil
}
