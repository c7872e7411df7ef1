package models

import "time"

// Reading is a single temperature measurement published by a peer.
// Readings are immutable once published.
type Reading struct {
	Peer      PeerID    `json:"peer_id"`
	Round     int       `json:"round"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Vote is a peer's single accusation naming the suspected impostor.
type Vote struct {
	Voter   PeerID    `json:"voter_id"`
	Accused PeerID    `json:"accused_id"`
	CastAt  time.Time `json:"cast_at"`
}
