package scorer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avigny/sensorspy/internal/models"
	"github.com/avigny/sensorspy/internal/scorer"
)

type stubScorer struct {
	ranking []models.PeerID
	err     error
	calls   int
}

func (s *stubScorer) Rank(context.Context, map[models.PeerID][]models.Reading) ([]models.PeerID, error) {
	s.calls++
	return s.ranking, s.err
}

func TestWithFallbackPrefersPrimary(t *testing.T) {
	primary := &stubScorer{ranking: []models.PeerID{"rpi3", "rpi1", "rpi2"}}
	fallback := &stubScorer{ranking: []models.PeerID{"rpi1", "rpi2", "rpi3"}}

	sc := scorer.WithFallback(primary, fallback, zap.NewNop())
	ranking, err := sc.Rank(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, primary.ranking, ranking)
	assert.Zero(t, fallback.calls)
}

func TestWithFallbackFallsBackOnError(t *testing.T) {
	primary := &stubScorer{err: errors.New("inference unreachable")}
	fallback := &stubScorer{ranking: []models.PeerID{"rpi2", "rpi1"}}

	sc := scorer.WithFallback(primary, fallback, zap.NewNop())
	ranking, err := sc.Rank(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, fallback.ranking, ranking)
	assert.Equal(t, 1, primary.calls)
}

func TestWithFallbackNilPrimary(t *testing.T) {
	fallback := &stubScorer{ranking: []models.PeerID{"rpi1"}}

	sc := scorer.WithFallback(nil, fallback, zap.NewNop())
	ranking, err := sc.Rank(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, fallback.ranking, ranking)
}

func TestWithFallbackSurfacesFallbackError(t *testing.T) {
	primary := &stubScorer{err: errors.New("unreachable")}
	fallback := &stubScorer{err: scorer.ErrInsufficientData}

	sc := scorer.WithFallback(primary, fallback, zap.NewNop())
	_, err := sc.Rank(context.Background(), nil)
	assert.ErrorIs(t, err, scorer.ErrInsufficientData)
}
