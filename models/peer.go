package models

import "time"

const (
	// StatusOnline marks a peer that was recently seen or verified reachable.
	StatusOnline = "online"
	// StatusOffline marks a peer that went away or failed a liveness check.
	StatusOffline = "offline"
)

const (
	// TrustManual marks a peer added by hand.
	TrustManual = "manual"
	// TrustAuto marks a peer saved from discovery.
	TrustAuto = "auto"
)

// Peer represents a known device, either this one (Self) or a remote peer.
type Peer struct {
	Name      string    `json:"name"`
	Address   string    `json:"ip_address"`
	Port      int       `json:"port"`
	Self      bool      `json:"self"`
	Status    string    `json:"status"`
	LastSeen  time.Time `json:"last_active"`
	TrustMode string    `json:"mode"`
}

// Online reports whether the peer is currently marked online.
func (p Peer) Online() bool {
	return p.Status == StatusOnline
}
