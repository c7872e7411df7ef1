// Package sensor implements the peer reporter process: check in, learn the
// secret role, publish one reading per round, score everyone's history and
// cast a single vote, then wait for the verdict.
package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avigny/sensorspy/internal/bus"
	"github.com/avigny/sensorspy/internal/config"
	"github.com/avigny/sensorspy/internal/models"
	"github.com/avigny/sensorspy/internal/scorer"
)

// Reporter is one sensing peer.
type Reporter struct {
	cfg    *config.Config
	id     models.PeerID
	conn   bus.Conn
	scorer scorer.Scorer
	sim    *Simulator
	log    *zap.Logger

	// NotifyRole, when set before Run, is called once with the assigned role.
	NotifyRole func(models.Role)

	mu       sync.Mutex
	rounds   int // round count announced by the arbiter
	own      []models.Reading
	received map[models.PeerID]map[int]models.Reading

	roleCh   chan models.RoleAssignment
	startCh  chan models.GameStart
	votingCh chan models.VotingOpen
	resultCh chan models.GameResult
}

// New creates a reporter for one configured peer.
func New(cfg *config.Config, id models.PeerID, conn bus.Conn, sc scorer.Scorer, sim *Simulator, log *zap.Logger) *Reporter {
	return &Reporter{
		cfg:      cfg,
		id:       id,
		conn:     conn,
		scorer:   sc,
		sim:      sim,
		log:      log.With(zap.String("peer", string(id))),
		rounds:   cfg.RoundsRequired,
		received: make(map[models.PeerID]map[int]models.Reading),
		roleCh:   make(chan models.RoleAssignment, 1),
		startCh:  make(chan models.GameStart, 1),
		votingCh: make(chan models.VotingOpen, 1),
		resultCh: make(chan models.GameResult, 1),
	}
}

// Run plays one full game and returns the announced result, or nil when the
// result deadline elapsed. Every wait is bounded; a timed-out phase proceeds
// with the data at hand.
func (r *Reporter) Run(ctx context.Context) (*models.GameResult, error) {
	if err := r.subscribe(); err != nil {
		return nil, err
	}

	if err := r.conn.Publish(bus.TopicPresence(r.id), false, models.Presence{
		Peer:      r.id,
		Timestamp: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("announce presence: %w", err)
	}
	r.log.Info("checked in, waiting for role")

	role, err := r.awaitRole(ctx)
	if err != nil {
		return nil, err
	}
	r.log.Info("role assigned", zap.String("role", string(role)))
	if r.NotifyRole != nil {
		r.NotifyRole(role)
	}

	r.awaitStart(ctx)

	r.publishReadings(ctx, role)

	r.awaitVotingOpen(ctx)

	vote := r.castVote(ctx)
	r.log.Info("vote cast", zap.String("accused", string(vote.Accused)))

	return r.awaitResult(ctx), nil
}

func (r *Reporter) subscribe() error {
	subs := []struct {
		topic   string
		handler bus.Handler
	}{
		{bus.TopicRole(r.id), decodeInto(r.roleCh, r.log)},
		{bus.TopicConfig, r.onStart},
		{bus.TopicReadingAll, r.onReading},
		{bus.TopicVotingOpen, decodeInto(r.votingCh, r.log)},
		{bus.TopicResult, decodeInto(r.resultCh, r.log)},
	}
	for _, s := range subs {
		if err := r.conn.Subscribe(s.topic, s.handler); err != nil {
			return err
		}
	}
	return nil
}

// decodeInto returns a handler that decodes the payload and delivers it
// without blocking; a second copy of a one-shot announcement is dropped.
func decodeInto[T any](ch chan T, log *zap.Logger) bus.Handler {
	return func(topic string, payload []byte) {
		if len(payload) == 0 {
			return // retained-state clear
		}
		var msg T
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Warn("discarding malformed message", zap.String("topic", topic), zap.Error(err))
			return
		}
		select {
		case ch <- msg:
		default:
		}
	}
}

func (r *Reporter) onStart(topic string, payload []byte) {
	if len(payload) == 0 {
		return
	}
	var start models.GameStart
	if err := json.Unmarshal(payload, &start); err != nil {
		r.log.Warn("discarding malformed game start", zap.Error(err))
		return
	}
	r.mu.Lock()
	if start.Rounds > 0 {
		r.rounds = start.Rounds
	}
	r.mu.Unlock()
	select {
	case r.startCh <- start:
	default:
	}
}

// onReading records another peer's reading. One reading per peer per round;
// rounds outside the announced window are discarded.
func (r *Reporter) onReading(topic string, payload []byte) {
	peer, ok := bus.PeerFromTopic(topic)
	if !ok || peer == r.id {
		return
	}
	if len(payload) == 0 {
		return
	}
	var reading models.Reading
	if err := json.Unmarshal(payload, &reading); err != nil {
		r.log.Warn("discarding malformed reading", zap.String("topic", topic), zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if reading.Round < 1 || reading.Round > r.rounds {
		r.log.Warn("discarding out-of-window reading",
			zap.String("from", string(peer)), zap.Int("round", reading.Round))
		return
	}
	if r.received[peer] == nil {
		r.received[peer] = make(map[int]models.Reading)
	}
	if _, dup := r.received[peer][reading.Round]; dup {
		return
	}
	reading.Peer = peer
	r.received[peer][reading.Round] = reading
}

func (r *Reporter) awaitRole(ctx context.Context) (models.Role, error) {
	timer := time.NewTimer(r.cfg.RoleTimeout)
	defer timer.Stop()
	select {
	case msg := <-r.roleCh:
		if !msg.Role.Valid() {
			return "", fmt.Errorf("received unknown role %q", msg.Role)
		}
		return msg.Role, nil
	case <-timer.C:
		return "", fmt.Errorf("no role assigned within %s", r.cfg.RoleTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Reporter) awaitStart(ctx context.Context) {
	timer := time.NewTimer(r.cfg.RoleTimeout)
	defer timer.Stop()
	select {
	case start := <-r.startCh:
		r.log.Info("game started", zap.Int("peers", len(start.Peers)), zap.Int("rounds", start.Rounds))
	case <-timer.C:
		// The role already arrived, so the game is on; play with defaults.
		r.log.Warn("no game start announcement, using configured defaults")
	case <-ctx.Done():
	}
}

// publishReadings publishes one reading per round in strictly increasing
// round order. A failed publish misses that round and moves on.
func (r *Reporter) publishReadings(ctx context.Context, role models.Role) {
	r.mu.Lock()
	rounds := r.rounds
	r.mu.Unlock()

	ticker := time.NewTicker(r.cfg.ReadingInterval)
	defer ticker.Stop()

	for round := 1; round <= rounds; round++ {
		value := r.sim.Measure(round)
		if role == models.RoleImpostor {
			value = Falsify(value, r.cfg.ImpostorBias)
		}
		reading := models.Reading{
			Peer:      r.id,
			Round:     round,
			Value:     value,
			Timestamp: time.Now(),
		}

		if err := r.conn.Publish(bus.TopicReading(r.id), true, reading); err != nil {
			r.log.Warn("round missed, publish failed", zap.Int("round", round), zap.Error(err))
		} else {
			r.mu.Lock()
			r.own = append(r.own, reading)
			r.mu.Unlock()
			r.log.Info("published reading", zap.Int("round", round), zap.Float64("value", value))
		}

		if round == rounds {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reporter) awaitVotingOpen(ctx context.Context) {
	timer := time.NewTimer(r.cfg.RoundTimeout)
	defer timer.Stop()
	select {
	case <-r.votingCh:
		r.log.Info("voting open")
	case <-timer.C:
		r.log.Warn("voting signal deadline elapsed, voting with available data")
	case <-ctx.Done():
	}
}

// castVote invokes the scorer exactly once and publishes a single vote for
// the top-ranked peer other than this one. Voting is mandatory: if no
// ranking can be produced at all, the vote falls back to the lowest PeerID
// other than this peer.
func (r *Reporter) castVote(ctx context.Context) models.Vote {
	r.mu.Lock()
	histories := make(map[models.PeerID][]models.Reading, len(r.received)+1)
	histories[r.id] = append([]models.Reading(nil), r.own...)
	for peer, byRound := range r.received {
		rs := make([]models.Reading, 0, len(byRound))
		for _, reading := range byRound {
			rs = append(rs, reading)
		}
		sort.Slice(rs, func(i, j int) bool { return rs[i].Round < rs[j].Round })
		histories[peer] = rs
	}
	r.mu.Unlock()

	accused := r.defaultAccused()
	ranking, err := r.scorer.Rank(ctx, histories)
	if err != nil {
		r.log.Warn("scorer produced no ranking, voting for default", zap.Error(err))
	} else {
		for _, peer := range ranking {
			if peer != r.id {
				accused = peer
				break
			}
		}
	}

	vote := models.Vote{Voter: r.id, Accused: accused, CastAt: time.Now()}
	if err := r.conn.Publish(bus.TopicVote(r.id), false, vote); err != nil {
		r.log.Warn("vote publish failed", zap.Error(err))
	}
	return vote
}

// defaultAccused is the deterministic mandatory-vote target: the lowest
// configured PeerID that is not this peer.
func (r *Reporter) defaultAccused() models.PeerID {
	ids := append([]models.PeerID(nil), r.cfg.PeerGroup...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if id != r.id {
			return id
		}
	}
	return r.id
}

func (r *Reporter) awaitResult(ctx context.Context) *models.GameResult {
	timer := time.NewTimer(r.cfg.ResultTimeout)
	defer timer.Stop()
	select {
	case result := <-r.resultCh:
		r.log.Info("result announced",
			zap.String("impostor", string(result.Impostor)),
			zap.String("winner", string(result.Winner)))
		return &result
	case <-timer.C:
		r.log.Warn("no result within deadline")
		return nil
	case <-ctx.Done():
		return nil
	}
}
