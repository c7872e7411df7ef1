package models

// Phase represents the current state of the arbiter's game state machine.
type Phase string

const (
	PhaseLobby           Phase = "lobby"
	PhaseRolesAssigned   Phase = "roles_assigned"
	PhaseRounds          Phase = "rounds_in_progress"
	PhaseVoting          Phase = "voting_open"
	PhaseResultAnnounced Phase = "result_announced"
)
