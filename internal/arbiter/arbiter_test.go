package arbiter_test

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avigny/sensorspy/internal/arbiter"
	"github.com/avigny/sensorspy/internal/bus"
	"github.com/avigny/sensorspy/internal/bus/bustest"
	"github.com/avigny/sensorspy/internal/config"
	"github.com/avigny/sensorspy/internal/models"
)

func arbiterConfig() *config.Config {
	return &config.Config{
		PeerGroup:       []models.PeerID{"rpi1", "rpi2", "rpi3", "rpi4"},
		MinPeers:        3,
		RoundsRequired:  2,
		LobbyTimeout:    2 * time.Second,
		RoundTimeout:    2 * time.Second,
		VoteTimeout:     2 * time.Second,
		PublishAttempts: 1,
	}
}

type assignedRole struct {
	peer models.PeerID
	role models.Role
}

// watchRoles collects every private role announcement the arbiter publishes.
func watchRoles(t *testing.T, conn bus.Conn) <-chan assignedRole {
	t.Helper()
	ch := make(chan assignedRole, 8)
	require.NoError(t, conn.Subscribe("iot/role/+", func(topic string, payload []byte) {
		peer, ok := bus.PeerFromTopic(topic)
		if !ok || len(payload) == 0 {
			return
		}
		var msg models.RoleAssignment
		if json.Unmarshal(payload, &msg) == nil {
			ch <- assignedRole{peer: peer, role: msg.Role}
		}
	}))
	return ch
}

func collect[T any](t *testing.T, conn bus.Conn, topic string) <-chan T {
	t.Helper()
	ch := make(chan T, 16)
	require.NoError(t, conn.Subscribe(topic, func(_ string, payload []byte) {
		var msg T
		if json.Unmarshal(payload, &msg) == nil {
			ch <- msg
		}
	}))
	return ch
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		panic("unreachable")
	}
}

func checkIn(t *testing.T, conn bus.Conn, peers ...models.PeerID) {
	t.Helper()
	for _, peer := range peers {
		require.NoError(t, conn.Publish(bus.TopicPresence(peer), false, models.Presence{
			Peer: peer, Timestamp: time.Now(),
		}))
	}
}

// awaitRoles waits for one role per expected peer and returns the impostor.
func awaitRoles(t *testing.T, roles <-chan assignedRole, expected int) models.PeerID {
	t.Helper()
	var impostor models.PeerID
	for i := 0; i < expected; i++ {
		assigned := recv(t, roles)
		if assigned.role == models.RoleImpostor {
			require.Empty(t, impostor, "two impostors assigned")
			impostor = assigned.peer
		}
	}
	require.NotEmpty(t, impostor, "no impostor assigned")
	return impostor
}

func publishReading(t *testing.T, conn bus.Conn, peer models.PeerID, round int, value float64) {
	t.Helper()
	require.NoError(t, conn.Publish(bus.TopicReading(peer), true, models.Reading{
		Peer: peer, Round: round, Value: value, Timestamp: time.Now(),
	}))
}

func publishVote(t *testing.T, conn bus.Conn, voter, accused models.PeerID) {
	t.Helper()
	require.NoError(t, conn.Publish(bus.TopicVote(voter), false, models.Vote{
		Voter: voter, Accused: accused, CastAt: time.Now(),
	}))
}

func startArbiter(t *testing.T, cfg *config.Config, broker *bustest.Bus, seed int64) <-chan *models.GameResult {
	t.Helper()
	a := arbiter.New(cfg, broker.Conn(), rand.New(rand.NewSource(seed)), zap.NewNop())
	ch := make(chan *models.GameResult, 1)
	go func() {
		result, err := a.Run(context.Background())
		assert.NoError(t, err)
		ch <- result
	}()
	// Let the run loop subscribe before the test starts publishing.
	time.Sleep(50 * time.Millisecond)
	return ch
}

func TestArbiterRunsFullGame(t *testing.T) {
	broker := bustest.New()
	cfg := arbiterConfig()
	conn := broker.Conn()

	roles := watchRoles(t, conn)
	startCh := collect[models.GameStart](t, conn, bus.TopicConfig)
	votingCh := collect[models.VotingOpen](t, conn, bus.TopicVotingOpen)

	resultCh := startArbiter(t, cfg, broker, 1)
	checkIn(t, conn, cfg.PeerGroup...)

	start := recv(t, startCh)
	assert.NotEmpty(t, start.GameID)
	assert.Equal(t, cfg.PeerGroup, start.Peers)
	assert.Equal(t, cfg.RoundsRequired, start.Rounds)

	impostor := awaitRoles(t, roles, len(cfg.PeerGroup))

	for round := 1; round <= cfg.RoundsRequired; round++ {
		for _, peer := range cfg.PeerGroup {
			publishReading(t, conn, peer, round, 15.0)
		}
	}
	// Out-of-window repeats and overshoots are discarded, not applied.
	publishReading(t, conn, "rpi1", cfg.RoundsRequired, 99.0)
	publishReading(t, conn, "rpi1", cfg.RoundsRequired+1, 99.0)

	voting := recv(t, votingCh)
	assert.Equal(t, start.GameID, voting.GameID)
	assert.False(t, voting.Deadline.IsZero())

	var other models.PeerID
	for _, peer := range cfg.PeerGroup {
		if peer != impostor {
			other = peer
			break
		}
	}
	for _, peer := range cfg.PeerGroup {
		if peer == impostor {
			publishVote(t, conn, peer, other)
		} else {
			publishVote(t, conn, peer, impostor)
		}
	}

	result := recv(t, resultCh)
	require.NotNil(t, result)
	assert.Equal(t, start.GameID, result.GameID)
	assert.Equal(t, impostor, result.Impostor)
	assert.Equal(t, impostor, result.Accused)
	assert.Equal(t, models.WinnerSensors, result.Winner)
	assert.Equal(t, 3, result.Tally[impostor])
	assert.Equal(t, 1, result.Tally[other])
}

func TestArbiterFailsBelowMinimum(t *testing.T) {
	broker := bustest.New()
	cfg := arbiterConfig()
	cfg.LobbyTimeout = 100 * time.Millisecond
	conn := broker.Conn()

	a := arbiter.New(cfg, broker.Conn(), rand.New(rand.NewSource(1)), zap.NewNop())
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Run(context.Background())
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	checkIn(t, conn, "rpi1")

	err := recv(t, errCh)
	assert.Error(t, err)
	// Nothing was announced for a game that never started.
	assert.Empty(t, broker.RetainedTopics())
}

func TestArbiterStartsWithPartialGroup(t *testing.T) {
	broker := bustest.New()
	cfg := arbiterConfig()
	cfg.LobbyTimeout = 150 * time.Millisecond
	conn := broker.Conn()

	roles := watchRoles(t, conn)
	startCh := collect[models.GameStart](t, conn, bus.TopicConfig)

	resultCh := startArbiter(t, cfg, broker, 2)
	present := []models.PeerID{"rpi1", "rpi2", "rpi4"}
	checkIn(t, conn, present...)

	start := recv(t, startCh)
	assert.Equal(t, present, start.Peers)

	impostor := awaitRoles(t, roles, len(present))
	assert.Contains(t, present, impostor)

	for round := 1; round <= cfg.RoundsRequired; round++ {
		for _, peer := range present {
			publishReading(t, conn, peer, round, 15.0)
		}
	}
	for _, peer := range present {
		if peer != impostor {
			publishVote(t, conn, peer, impostor)
		}
	}
	publishVote(t, conn, impostor, present[0])

	result := recv(t, resultCh)
	require.NotNil(t, result)
	assert.Equal(t, models.WinnerSensors, result.Winner)
	assert.Equal(t, 2, result.Tally[impostor])
}

func TestArbiterImpostorWinsWithoutMajority(t *testing.T) {
	broker := bustest.New()
	cfg := arbiterConfig()
	conn := broker.Conn()

	roles := watchRoles(t, conn)
	resultCh := startArbiter(t, cfg, broker, 3)
	checkIn(t, conn, cfg.PeerGroup...)

	impostor := awaitRoles(t, roles, len(cfg.PeerGroup))

	for round := 1; round <= cfg.RoundsRequired; round++ {
		for _, peer := range cfg.PeerGroup {
			publishReading(t, conn, peer, round, 15.0)
		}
	}

	// A 2-2 split: everyone votes their ring neighbour, nobody reaches a
	// strict majority.
	group := append([]models.PeerID(nil), cfg.PeerGroup...)
	sort.Slice(group, func(i, j int) bool { return group[i] < group[j] })
	for i, peer := range group {
		publishVote(t, conn, peer, group[(i+1)%len(group)])
	}

	result := recv(t, resultCh)
	require.NotNil(t, result)
	assert.Equal(t, models.WinnerImpostor, result.Winner)
	assert.Equal(t, impostor, result.Impostor)
	assert.Empty(t, result.Accused)
}

func TestArbiterDiscardsInvalidVotes(t *testing.T) {
	broker := bustest.New()
	cfg := arbiterConfig()
	conn := broker.Conn()

	roles := watchRoles(t, conn)
	resultCh := startArbiter(t, cfg, broker, 4)
	checkIn(t, conn, cfg.PeerGroup...)

	impostor := awaitRoles(t, roles, len(cfg.PeerGroup))

	for round := 1; round <= cfg.RoundsRequired; round++ {
		for _, peer := range cfg.PeerGroup {
			publishReading(t, conn, peer, round, 15.0)
		}
	}

	var honest []models.PeerID
	for _, peer := range cfg.PeerGroup {
		if peer != impostor {
			honest = append(honest, peer)
		}
	}

	publishVote(t, conn, "rpi9", impostor)     // unknown voter
	publishVote(t, conn, honest[0], honest[0]) // self-vote
	publishVote(t, conn, honest[0], "rpi9")    // unknown accused
	publishVote(t, conn, honest[0], impostor)  // counts
	publishVote(t, conn, honest[0], honest[1]) // duplicate, discarded
	publishVote(t, conn, honest[1], impostor)
	publishVote(t, conn, honest[2], impostor)
	publishVote(t, conn, impostor, honest[0])

	result := recv(t, resultCh)
	require.NotNil(t, result)
	assert.Equal(t, models.WinnerSensors, result.Winner)
	assert.Equal(t, 3, result.Tally[impostor])
	assert.Equal(t, 1, result.Tally[honest[0]])
	assert.Zero(t, result.Tally[honest[1]])
}
