package models

import "time"

// Wire payloads exchanged over the bus. Everything is plain JSON; the bus
// delivers at-most-once, so every consumer tolerates a missing message.

// Presence is published by a sensor when it checks in to the lobby.
type Presence struct {
	Peer      PeerID    `json:"peer_id"`
	Timestamp time.Time `json:"timestamp"`
}

// RoleAssignment is published to a peer's private role topic.
type RoleAssignment struct {
	Role      Role      `json:"role"`
	GameID    string    `json:"game_id"`
	Timestamp time.Time `json:"timestamp"`
}

// GameStart announces the active group and round count to all peers.
type GameStart struct {
	GameID    string    `json:"game_id"`
	Peers     []PeerID  `json:"peers"`
	Rounds    int       `json:"rounds"`
	StartedAt time.Time `json:"started_at"`
}

// VotingOpen signals that the round phase has closed and votes are accepted
// until the deadline.
type VotingOpen struct {
	GameID   string    `json:"game_id"`
	Deadline time.Time `json:"deadline"`
}
