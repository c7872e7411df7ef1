package scorer

import (
	"context"
	"errors"
	"sort"

	"github.com/avigny/sensorspy/internal/models"
)

// ErrInsufficientData is returned when fewer than two peers have readings,
// in which case no deviation can be measured.
var ErrInsufficientData = errors.New("not enough readings to rank peers")

// Stat is the deterministic fallback estimator. For every round it computes
// the cross-peer mean of that round's values; a peer's suspicion score is
// the mean absolute deviation of its readings from those per-round means.
// Ranking is descending by score, ties broken by lexicographic PeerID, so
// identical inputs always yield identical rankings.
type Stat struct{}

func (Stat) Rank(_ context.Context, readings map[models.PeerID][]models.Reading) ([]models.PeerID, error) {
	withData := 0
	for _, rs := range readings {
		if len(rs) > 0 {
			withData++
		}
	}
	if withData < 2 {
		return nil, ErrInsufficientData
	}

	// Per-round cross-peer means. A peer that missed a round simply does not
	// contribute to that round's mean.
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for _, rs := range readings {
		for _, r := range rs {
			sums[r.Round] += r.Value
			counts[r.Round]++
		}
	}
	roundMean := func(round int) (float64, bool) {
		n := counts[round]
		if n == 0 {
			return 0, false
		}
		return sums[round] / float64(n), true
	}

	scores := make(map[models.PeerID]float64, len(readings))
	for peer, rs := range readings {
		if len(rs) == 0 {
			continue
		}
		var total float64
		var n int
		for _, r := range rs {
			mean, ok := roundMean(r.Round)
			if !ok {
				continue
			}
			dev := r.Value - mean
			if dev < 0 {
				dev = -dev
			}
			total += dev
			n++
		}
		if n > 0 {
			scores[peer] = total / float64(n)
		}
	}

	ranking := make([]models.PeerID, 0, len(scores))
	for peer := range scores {
		ranking = append(ranking, peer)
	}
	sort.Slice(ranking, func(i, j int) bool {
		if scores[ranking[i]] != scores[ranking[j]] {
			return scores[ranking[i]] > scores[ranking[j]]
		}
		return ranking[i] < ranking[j]
	})
	return ranking, nil
}
