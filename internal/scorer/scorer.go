// Package scorer ranks peers by how suspicious their reading history looks.
// Two strategies exist: an optional external inference service and an
// always-available statistical estimator. The fallback wrapper guarantees a
// ranking whenever the estimator has enough data.
package scorer

import (
	"context"

	"go.uber.org/zap"

	"github.com/avigny/sensorspy/internal/models"
)

// Scorer produces a ranking of peers, most suspicious first. Implementations
// never mutate the reading histories they are given.
type Scorer interface {
	Rank(ctx context.Context, readings map[models.PeerID][]models.Reading) ([]models.PeerID, error)
}

type fallbackScorer struct {
	primary  Scorer // may be nil
	fallback Scorer
	log      *zap.Logger
}

// WithFallback tries primary first and falls back on any failure. A nil
// primary (no inference endpoint configured) goes straight to the fallback.
// Failure of the primary is expected and non-fatal: it is logged, never
// surfaced.
func WithFallback(primary, fallback Scorer, log *zap.Logger) Scorer {
	return &fallbackScorer{primary: primary, fallback: fallback, log: log}
}

func (s *fallbackScorer) Rank(ctx context.Context, readings map[models.PeerID][]models.Reading) ([]models.PeerID, error) {
	if s.primary != nil {
		ranking, err := s.primary.Rank(ctx, readings)
		if err == nil {
			return ranking, nil
		}
		s.log.Warn("inference scorer failed, using statistical fallback", zap.Error(err))
	}
	return s.fallback.Rank(ctx, readings)
}
