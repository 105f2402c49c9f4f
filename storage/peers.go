package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"interact/models"
)

const peerColumns = `name, ip_address, port, self, status, last_active, mode`

// SetSelf stores the record describing this device, replacing any previous self record.
func (s *Store) SetSelf(self models.Peer) error {
	if strings.TrimSpace(self.Name) == "" {
		return errors.New("name is required")
	}
	if err := validateEndpoint(self.Address, self.Port); err != nil {
		return err
	}
	if self.Status == "" {
		self.Status = models.StatusOnline
	}
	if err := validatePeerStatus(self.Status); err != nil {
		return err
	}
	if self.TrustMode == "" {
		self.TrustMode = models.TrustManual
	}
	if err := validateTrustMode(self.TrustMode); err != nil {
		return err
	}
	if self.LastSeen.IsZero() {
		self.LastSeen = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin set self transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM devices WHERE self = 1 AND name <> ?`, self.Name); err != nil {
		return fmt.Errorf("clear previous self record: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO devices (`+peerColumns+`) VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			ip_address = excluded.ip_address,
			port = excluded.port,
			self = 1,
			status = excluded.status,
			last_active = excluded.last_active,
			mode = excluded.mode`,
		self.Name,
		self.Address,
		self.Port,
		self.Status,
		nullTime(self.LastSeen),
		self.TrustMode,
	); err != nil {
		return fmt.Errorf("upsert self record %q: %w", self.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set self transaction: %w", err)
	}
	return nil
}

// Self returns this device's record.
func (s *Store) Self() (*models.Peer, error) {
	row := s.db.QueryRow(`SELECT ` + peerColumns + ` FROM devices WHERE self = 1`)
	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get self record: %w", err)
	}
	return peer, nil
}

// AddPeer inserts a new remote peer row.
func (s *Store) AddPeer(peer models.Peer) error {
	if strings.TrimSpace(peer.Name) == "" {
		return errors.New("name is required")
	}
	if err := validateEndpoint(peer.Address, peer.Port); err != nil {
		return err
	}
	if peer.Status == "" {
		peer.Status = models.StatusOffline
	}
	if err := validatePeerStatus(peer.Status); err != nil {
		return err
	}
	if peer.TrustMode == "" {
		peer.TrustMode = models.TrustManual
	}
	if err := validateTrustMode(peer.TrustMode); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (`+peerColumns+`) VALUES (?, ?, ?, 0, ?, ?, ?)`,
		peer.Name,
		peer.Address,
		peer.Port,
		peer.Status,
		nullTime(peer.LastSeen),
		peer.TrustMode,
	)
	if err != nil {
		return fmt.Errorf("insert peer %q: %w", peer.Name, err)
	}

	return nil
}

// UpsertPeer inserts a remote peer or refreshes an existing one. The self record is never touched.
func (s *Store) UpsertPeer(peer models.Peer) error {
	if strings.TrimSpace(peer.Name) == "" {
		return errors.New("name is required")
	}
	if err := validateEndpoint(peer.Address, peer.Port); err != nil {
		return err
	}
	if err := validatePeerStatus(peer.Status); err != nil {
		return err
	}
	if err := validateTrustMode(peer.TrustMode); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`INSERT INTO devices (`+peerColumns+`) VALUES (?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			ip_address = excluded.ip_address,
			port = excluded.port,
			status = excluded.status,
			last_active = COALESCE(excluded.last_active, devices.last_active),
			mode = excluded.mode
		WHERE devices.self = 0`,
		peer.Name,
		peer.Address,
		peer.Port,
		peer.Status,
		nullTime(peer.LastSeen),
		peer.TrustMode,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.Name, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for upsert peer %q: %w", peer.Name, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("upsert peer %q: name belongs to this device", peer.Name)
	}
	return nil
}

// GetPeer fetches a remote peer by name.
func (s *Store) GetPeer(name string) (*models.Peer, error) {
	row := s.db.QueryRow(
		`SELECT `+peerColumns+` FROM devices WHERE name = ? AND self = 0`,
		name,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", name, err)
	}

	return peer, nil
}

// FindPeerByAddress returns the most recently seen remote peer using ip.
func (s *Store) FindPeerByAddress(ip string) (*models.Peer, error) {
	row := s.db.QueryRow(
		`SELECT `+peerColumns+` FROM devices
		WHERE ip_address = ? AND self = 0
		ORDER BY last_active DESC, name
		LIMIT 1`,
		ip,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find peer by address %q: %w", ip, err)
	}

	return peer, nil
}

// ListPeers returns all remote peers sorted by name.
func (s *Store) ListPeers() ([]models.Peer, error) {
	rows, err := s.db.Query(
		`SELECT ` + peerColumns + ` FROM devices WHERE self = 0 ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]models.Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// UpdatePeerStatus updates status and, when lastSeen is non-zero, the last active time.
func (s *Store) UpdatePeerStatus(name, status string, lastSeen time.Time) error {
	if name == "" {
		return errors.New("name is required")
	}
	if err := validatePeerStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE devices
		SET status = ?,
		    last_active = COALESCE(?, last_active)
		WHERE name = ? AND self = 0`,
		status,
		nullTime(lastSeen),
		name,
	)
	if err != nil {
		return fmt.Errorf("update peer status %q: %w", name, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for peer status update %q: %w", name, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RecordPeerSighting marks a known peer online at the endpoint it was last seen on.
func (s *Store) RecordPeerSighting(name, ip string, port int, seen time.Time) error {
	if name == "" {
		return errors.New("name is required")
	}
	if err := validateEndpoint(ip, port); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE devices
		SET status = ?,
		    ip_address = ?,
		    port = ?,
		    last_active = COALESCE(?, last_active)
		WHERE name = ? AND self = 0`,
		models.StatusOnline,
		ip,
		port,
		nullTime(seen),
		name,
	)
	if err != nil {
		return fmt.Errorf("record peer sighting %q: %w", name, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for peer sighting %q: %w", name, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkPeersOffline forces every remote peer offline until it is seen or verified again.
func (s *Store) MarkPeersOffline() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE devices SET status = ? WHERE self = 0 AND status <> ?`,
		models.StatusOffline,
		models.StatusOffline,
	)
	if err != nil {
		return 0, fmt.Errorf("mark peers offline: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for mark peers offline: %w", err)
	}
	return rowsAffected, nil
}

// RemovePeer deletes a remote peer by name.
func (s *Store) RemovePeer(name string) error {
	if name == "" {
		return errors.New("name is required")
	}

	res, err := s.db.Exec(`DELETE FROM devices WHERE name = ? AND self = 0`, name)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", name, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer %q: %w", name, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*models.Peer, error) {
	var (
		peer       models.Peer
		self       int
		lastActive sql.NullInt64
	)

	if err := row.Scan(
		&peer.Name,
		&peer.Address,
		&peer.Port,
		&self,
		&peer.Status,
		&lastActive,
		&peer.TrustMode,
	); err != nil {
		return nil, err
	}

	peer.Self = self == 1
	peer.LastSeen = timeFromNull(lastActive)
	return &peer, nil
}
