package models

// PeerID identifies one sensing peer. IDs come from the configured group and
// never change for the lifetime of a game.
type PeerID string

// Role is a peer's secret assignment for one game.
type Role string

const (
	RoleHonest   Role = "honest"
	RoleImpostor Role = "impostor"
)

// Valid reports whether r is a known role value.
func (r Role) Valid() bool {
	return r == RoleHonest || r == RoleImpostor
}
