// Package cleanup clears stale retained state from a previous game. Running
// it is a required precondition before starting a new game; without it peers
// can observe phantom roles and readings from a prior run.
package cleanup

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/avigny/sensorspy/internal/bus"
	"github.com/avigny/sensorspy/internal/config"
)

// Reset publishes an empty retained payload to every game topic, which makes
// the broker drop its retained copy. Publishing an empty payload to an
// already-clear topic is a no-op, so Reset is idempotent.
func Reset(conn bus.Conn, cfg *config.Config, log *zap.Logger) error {
	topics := bus.RetainedTopics(cfg.PeerGroup)
	for _, topic := range topics {
		if err := conn.Publish(topic, true, nil); err != nil {
			return fmt.Errorf("clear retained state on %s: %w", topic, err)
		}
		log.Info("cleared retained state", zap.String("topic", topic))
	}
	log.Info("reset complete", zap.Int("topics", len(topics)))
	return nil
}
