// Package game holds the pure rules of the impostor game: role selection,
// vote tallying and the win condition. Nothing here touches the bus.
package game

import (
	"math/rand"

	"github.com/avigny/sensorspy/internal/models"
)

// ChooseImpostor picks exactly one impostor uniformly at random from the
// active group.
func ChooseImpostor(rng *rand.Rand, group []models.PeerID) models.PeerID {
	return group[rng.Intn(len(group))]
}

// RoleFor returns the role a peer holds given the chosen impostor.
func RoleFor(peer, impostor models.PeerID) models.Role {
	if peer == impostor {
		return models.RoleImpostor
	}
	return models.RoleHonest
}
