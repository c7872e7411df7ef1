package sensor

import (
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/avigny/sensorspy/internal/models"
)

// Simulator stands in for a physical temperature probe. Each peer gets a
// stable baseline derived from its id, a slow diurnal drift across rounds
// and a little uniform noise.
type Simulator struct {
	base float64
	rng  *rand.Rand
}

// NewSimulator creates a simulator for one peer. The seed controls only the
// noise term; the baseline depends on the peer id alone.
func NewSimulator(id models.PeerID, seed int64) *Simulator {
	h := fnv.New32a()
	h.Write([]byte(id))
	// Baselines spread over roughly 13.0–17.0 so honest peers stay within a
	// few degrees of each other.
	base := 13.0 + float64(h.Sum32()%41)/10.0
	return &Simulator{base: base, rng: rand.New(rand.NewSource(seed))}
}

// Measure returns the genuine reading for a round.
func (s *Simulator) Measure(round int) float64 {
	drift := 0.6 * math.Sin(float64(round)*0.9)
	noise := (s.rng.Float64() - 0.5) * 0.8
	return roundTenth(s.base + drift + noise)
}

// Falsify applies the impostor's perturbation policy: a constant positive
// bias on top of the genuine measurement. The offset is bounded and large
// enough that the dispersion estimator flags it over a full game.
func Falsify(genuine, bias float64) float64 {
	return roundTenth(genuine + bias)
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
