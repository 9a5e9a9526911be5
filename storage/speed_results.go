package storage

import (
	"errors"
	"fmt"
)

// SaveSpeedResult inserts one speed-test run and returns its row ID.
func (s *Store) SaveSpeedResult(result SpeedResult) (int64, error) {
	if err := validateSpeedDirection(result.Direction); err != nil {
		return 0, err
	}
	if result.DataSize < 0 {
		return 0, errors.New("data size must be >= 0")
	}
	if result.Timestamp == 0 {
		result.Timestamp = nowUnixMilli()
	}

	success := 0
	if result.Success {
		success = 1
	}

	res, err := s.db.Exec(
		`INSERT INTO speed_results (
			direction,
			data_size,
			duration_ms,
			mbps,
			success,
			error,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.Direction,
		result.DataSize,
		result.DurationMs,
		result.Mbps,
		success,
		result.Error,
		result.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("insert speed result: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted speed result id: %w", err)
	}

	return id, nil
}

// RecentSpeedResults returns the newest speed-test runs, newest first.
func (s *Store) RecentSpeedResults(limit int) ([]SpeedResult, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			direction,
			data_size,
			duration_ms,
			mbps,
			success,
			error,
			timestamp
		FROM speed_results
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent speed results: %w", err)
	}
	defer rows.Close()

	results := make([]SpeedResult, 0)
	for rows.Next() {
		result, err := scanSpeedResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan speed result row: %w", err)
		}
		results = append(results, *result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate speed result rows: %w", err)
	}

	return results, nil
}

// PruneSpeedResults deletes runs older than the cutoff and reports how many
// rows were removed.
func (s *Store) PruneSpeedResults(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`DELETE FROM speed_results WHERE timestamp < ?`,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune speed results: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune speed results: %w", err)
	}

	return rowsAffected, nil
}

func scanSpeedResult(row scanner) (*SpeedResult, error) {
	var (
		result  SpeedResult
		success int
	)

	if err := row.Scan(
		&result.ID,
		&result.Direction,
		&result.DataSize,
		&result.DurationMs,
		&result.Mbps,
		&success,
		&result.Error,
		&result.Timestamp,
	); err != nil {
		return nil, err
	}

	result.Success = success == 1
	return &result, nil
}
