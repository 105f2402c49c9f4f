package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"interact/models"
)

// RecordTransfer appends one finished transfer to the history. A missing ID is generated.
func (s *Store) RecordTransfer(transfer models.Transfer) error {
	if transfer.ID == "" {
		transfer.ID = uuid.NewString()
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.Filename == "" {
		return errors.New("filename is required")
	}
	if transfer.ExpectedBytes < 0 || transfer.TransferredBytes < 0 {
		return errors.New("byte counts must be >= 0")
	}
	if transfer.StartedAt.IsZero() {
		transfer.StartedAt = time.Now()
	}
	if transfer.FinishedAt.IsZero() {
		transfer.FinishedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			peer_name,
			peer_address,
			filename,
			stored_path,
			expected_bytes,
			transferred_bytes,
			checksum,
			status,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.ID,
		transfer.Direction,
		transfer.PeerName,
		transfer.PeerAddress,
		transfer.Filename,
		transfer.StoredPath,
		transfer.ExpectedBytes,
		transfer.TransferredBytes,
		transfer.Checksum,
		transfer.Status,
		transfer.StartedAt.UnixMilli(),
		transfer.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.ID, err)
	}

	return nil
}

// ListTransfers returns transfer history newest first, optionally filtered by peer name.
func (s *Store) ListTransfers(peerName string, limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT
			transfer_id,
			direction,
			peer_name,
			peer_address,
			filename,
			stored_path,
			expected_bytes,
			transferred_bytes,
			checksum,
			status,
			started_at,
			finished_at
		FROM transfers
		WHERE ? = '' OR peer_name = ?
		ORDER BY finished_at DESC, transfer_id
		LIMIT ?`,
		peerName,
		peerName,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]models.Transfer, 0)
	for rows.Next() {
		var (
			transfer   models.Transfer
			startedAt  int64
			finishedAt int64
		)
		if err := rows.Scan(
			&transfer.ID,
			&transfer.Direction,
			&transfer.PeerName,
			&transfer.PeerAddress,
			&transfer.Filename,
			&transfer.StoredPath,
			&transfer.ExpectedBytes,
			&transfer.TransferredBytes,
			&transfer.Checksum,
			&transfer.Status,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfer.StartedAt = time.UnixMilli(startedAt)
		transfer.FinishedAt = time.UnixMilli(finishedAt)
		transfers = append(transfers, transfer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}
