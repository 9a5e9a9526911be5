package models

import "time"

// PeerDevice represents a remote device seen during scanning or linked.
type PeerDevice struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Addr         string    `json:"addr"`
	Connected    bool      `json:"connected"`
	Status       string    `json:"status"`
	DiscoveredAt time.Time `json:"discovered_at"`
}
