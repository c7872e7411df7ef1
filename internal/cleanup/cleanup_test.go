package cleanup_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avigny/sensorspy/internal/bus"
	"github.com/avigny/sensorspy/internal/bus/bustest"
	"github.com/avigny/sensorspy/internal/cleanup"
	"github.com/avigny/sensorspy/internal/config"
	"github.com/avigny/sensorspy/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		PeerGroup: []models.PeerID{"rpi1", "rpi2", "rpi3", "rpi4"},
	}
}

func TestResetClearsRetainedState(t *testing.T) {
	broker := bustest.New()
	conn := broker.Conn()

	// Leftovers from a previous game.
	require.NoError(t, conn.Publish(bus.TopicConfig, true, map[string]int{"rounds": 5}))
	require.NoError(t, conn.Publish(bus.TopicRole("rpi2"), true, map[string]string{"role": "impostor"}))
	require.NoError(t, conn.Publish(bus.TopicReading("rpi3"), true, map[string]float64{"value": 20.1}))
	require.NotEmpty(t, broker.RetainedTopics())

	require.NoError(t, cleanup.Reset(conn, testConfig(), zap.NewNop()))
	assert.Empty(t, broker.RetainedTopics())
}

func TestResetIsIdempotent(t *testing.T) {
	broker := bustest.New()
	conn := broker.Conn()

	require.NoError(t, conn.Publish(bus.TopicRole("rpi1"), true, map[string]string{"role": "honest"}))

	require.NoError(t, cleanup.Reset(conn, testConfig(), zap.NewNop()))
	firstRun := len(broker.History())
	assert.Empty(t, broker.RetainedTopics())

	// Second run publishes the same clears and observably changes nothing.
	require.NoError(t, cleanup.Reset(conn, testConfig(), zap.NewNop()))
	assert.Empty(t, broker.RetainedTopics())
	assert.Equal(t, firstRun+len(bus.RetainedTopics(testConfig().PeerGroup)), len(broker.History()))
}
