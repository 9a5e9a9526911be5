package storage

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SaveTransfer records one completed file transfer and returns its row ID.
func (s *Store) SaveTransfer(transfer Transfer) (int64, error) {
	if transfer.Name == "" {
		return 0, errors.New("name is required")
	}
	if transfer.Size < 0 {
		return 0, errors.New("size must be >= 0")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return 0, err
	}
	if transfer.UID == "" {
		transfer.UID = uuid.NewString()
	}
	if transfer.Timestamp == 0 {
		transfer.Timestamp = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO transfers (
			uid,
			name,
			path,
			size,
			direction,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		transfer.UID,
		transfer.Name,
		transfer.Path,
		transfer.Size,
		transfer.Direction,
		transfer.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("insert transfer %q: %w", transfer.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted transfer id: %w", err)
	}

	return id, nil
}

// RecentTransfers returns the newest completed transfers, newest first.
func (s *Store) RecentTransfers(limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			uid,
			name,
			path,
			size,
			direction,
			timestamp
		FROM transfers
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		var transfer Transfer
		if err := rows.Scan(
			&transfer.ID,
			&transfer.UID,
			&transfer.Name,
			&transfer.Path,
			&transfer.Size,
			&transfer.Direction,
			&transfer.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, transfer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}
