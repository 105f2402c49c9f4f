package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"interact/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

func validatePeerStatus(status string) error {
	switch status {
	case models.StatusOnline, models.StatusOffline:
		return nil
	default:
		return fmt.Errorf("invalid peer status %q", status)
	}
}

func validateTrustMode(mode string) error {
	switch mode {
	case models.TrustManual, models.TrustAuto:
		return nil
	default:
		return fmt.Errorf("invalid trust mode %q", mode)
	}
}

func validateTransferDirection(direction string) error {
	switch direction {
	case models.DirectionSend, models.DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case models.TransferComplete, models.TransferIncomplete, models.TransferFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateEndpoint(ip string, port int) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid ip address %q", ip)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNull(ni sql.NullInt64) time.Time {
	if !ni.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ni.Int64)
}
