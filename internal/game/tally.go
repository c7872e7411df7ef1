package game

import "github.com/avigny/sensorspy/internal/models"

// TallyResult is the outcome of counting the accepted votes.
type TallyResult struct {
	// Accused is set only when Majority is true.
	Accused  models.PeerID
	Majority bool
	Counts   map[models.PeerID]int
	Total    int
}

// CountVotes tallies the accepted votes. The accused is the candidate whose
// count strictly exceeds half of all accepted votes; anything short of that
// (even splits, bare pluralities, zero votes) leaves Majority false.
func CountVotes(votes map[models.PeerID]models.PeerID) TallyResult {
	counts := make(map[models.PeerID]int)
	for _, accused := range votes {
		counts[accused]++
	}

	result := TallyResult{Counts: counts, Total: len(votes)}
	for candidate, n := range counts {
		if n*2 > result.Total {
			result.Accused = candidate
			result.Majority = true
			break
		}
	}
	return result
}

// DecideWinner applies the win rule: the sensors win when a strict majority
// accused the true impostor. A wrong accusation or a failed coordination
// (no strict majority) is an impostor win by default.
func DecideWinner(tally TallyResult, impostor models.PeerID) models.Winner {
	if tally.Majority && tally.Accused == impostor {
		return models.WinnerSensors
	}
	return models.WinnerImpostor
}
