package models

import "time"

// Winner names the side that won a game.
type Winner string

const (
	WinnerSensors  Winner = "sensors"
	WinnerImpostor Winner = "impostor"
)

// GameResult is the terminal outcome of one game. It is computed exactly
// once by the arbiter and never retracted.
type GameResult struct {
	GameID      string         `json:"game_id"`
	Impostor    PeerID         `json:"impostor_id"`
	Accused     PeerID         `json:"accused_id,omitempty"`
	Tally       map[PeerID]int `json:"tally"`
	Winner      Winner         `json:"winner"`
	AnnouncedAt time.Time      `json:"announced_at"`
}
