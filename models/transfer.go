package models

import "time"

const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

const (
	TransferComplete   = "complete"
	TransferIncomplete = "incomplete"
	TransferFailed     = "failed"
)

// Transfer summarizes one finished file transfer session.
type Transfer struct {
	ID               string    `json:"id"`
	Direction        string    `json:"direction"`
	PeerName         string    `json:"peer_name"`
	PeerAddress      string    `json:"peer_address"`
	Filename         string    `json:"filename"`
	StoredPath       string    `json:"stored_path"`
	ExpectedBytes    int64     `json:"expected_bytes"`
	TransferredBytes int64     `json:"transferred_bytes"`
	Checksum         string    `json:"checksum"`
	Status           string    `json:"status"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}
