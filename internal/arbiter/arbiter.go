// Package arbiter implements the round coordinator: it assigns exactly one
// impostor, bounds the measurement and voting phases with deadlines, tallies
// the votes and announces the result. The state machine is
//
//	Lobby -> RolesAssigned -> RoundsInProgress -> VotingOpen -> ResultAnnounced
//
// and ResultAnnounced is terminal. Every phase wait has a deadline; a phase
// that times out advances with the data it has. Messages for a closed phase
// are logged and discarded, never applied.
package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avigny/sensorspy/internal/bus"
	"github.com/avigny/sensorspy/internal/config"
	"github.com/avigny/sensorspy/internal/game"
	"github.com/avigny/sensorspy/internal/models"
)

type eventKind int

const (
	evCheckin eventKind = iota
	evReading
	evVote
)

type event struct {
	kind    eventKind
	peer    models.PeerID
	reading models.Reading
	vote    models.Vote
}

// Arbiter owns the state of exactly one game instance. All game state lives
// on this value; bus callbacks only feed typed events into the run loop.
type Arbiter struct {
	cfg  *config.Config
	conn bus.Conn
	rng  *rand.Rand
	log  *zap.Logger

	gameID string
	events chan event

	phase     models.Phase
	active    []models.PeerID
	impostor  models.PeerID
	lastRound map[models.PeerID]int
	readings  map[models.PeerID][]models.Reading
	votes     map[models.PeerID]models.PeerID
}

// New creates an arbiter for one game.
func New(cfg *config.Config, conn bus.Conn, rng *rand.Rand, log *zap.Logger) *Arbiter {
	return &Arbiter{
		cfg:       cfg,
		conn:      conn,
		rng:       rng,
		log:       log,
		gameID:    uuid.NewString(),
		events:    make(chan event, 256),
		phase:     models.PhaseLobby,
		lastRound: make(map[models.PeerID]int),
		readings:  make(map[models.PeerID][]models.Reading),
		votes:     make(map[models.PeerID]models.PeerID),
	}
}

// Run plays one game to completion and returns its terminal result. The only
// error paths are subscription failures and a lobby that closes below the
// minimum group size; after roles are assigned the game always reaches a
// result.
func (a *Arbiter) Run(ctx context.Context) (*models.GameResult, error) {
	if err := a.subscribe(); err != nil {
		return nil, err
	}

	if err := a.runLobby(ctx); err != nil {
		return nil, err
	}
	a.assignRoles()
	a.runRounds(ctx)
	a.openVoting(ctx)
	return a.announceResult()
}

func (a *Arbiter) subscribe() error {
	if err := a.conn.Subscribe(bus.TopicPresenceAll, a.onPresence); err != nil {
		return err
	}
	if err := a.conn.Subscribe(bus.TopicReadingAll, a.onReading); err != nil {
		return err
	}
	return a.conn.Subscribe(bus.TopicVoteAll, a.onVote)
}

func (a *Arbiter) onPresence(topic string, payload []byte) {
	peer, ok := bus.PeerFromTopic(topic)
	if !ok || len(payload) == 0 {
		return
	}
	a.push(event{kind: evCheckin, peer: peer})
}

func (a *Arbiter) onReading(topic string, payload []byte) {
	peer, ok := bus.PeerFromTopic(topic)
	if !ok || len(payload) == 0 {
		return
	}
	var reading models.Reading
	if err := json.Unmarshal(payload, &reading); err != nil {
		a.log.Warn("discarding malformed reading", zap.String("topic", topic), zap.Error(err))
		return
	}
	reading.Peer = peer
	a.push(event{kind: evReading, peer: peer, reading: reading})
}

func (a *Arbiter) onVote(topic string, payload []byte) {
	peer, ok := bus.PeerFromTopic(topic)
	if !ok || len(payload) == 0 {
		return
	}
	var vote models.Vote
	if err := json.Unmarshal(payload, &vote); err != nil {
		a.log.Warn("discarding malformed vote", zap.String("topic", topic), zap.Error(err))
		return
	}
	vote.Voter = peer
	a.push(event{kind: evVote, peer: peer, vote: vote})
}

// push never blocks a bus callback; the bus is at-most-once anyway.
func (a *Arbiter) push(ev event) {
	select {
	case a.events <- ev:
	default:
		a.log.Warn("event queue full, dropping message", zap.Int("kind", int(ev.kind)))
	}
}

// runLobby collects check-ins until every configured peer is present or the
// lobby deadline elapses. Closing below the configured minimum is a start-up
// error: no game state is created.
func (a *Arbiter) runLobby(ctx context.Context) error {
	a.log.Info("lobby open",
		zap.String("game", a.gameID),
		zap.Int("expected", len(a.cfg.PeerGroup)),
		zap.Duration("timeout", a.cfg.LobbyTimeout))

	checkedIn := make(map[models.PeerID]bool)
	timer := time.NewTimer(a.cfg.LobbyTimeout)
	defer timer.Stop()

	for len(checkedIn) < len(a.cfg.PeerGroup) {
		select {
		case ev := <-a.events:
			if ev.kind != evCheckin {
				a.discard(ev)
				continue
			}
			if err := a.cfg.ValidatePeer(ev.peer); err != nil {
				a.log.Warn("check-in from unknown peer", zap.String("peer", string(ev.peer)))
				continue
			}
			if checkedIn[ev.peer] {
				continue
			}
			checkedIn[ev.peer] = true
			a.log.Info("peer checked in",
				zap.String("peer", string(ev.peer)),
				zap.Int("present", len(checkedIn)),
				zap.Int("expected", len(a.cfg.PeerGroup)))
		case <-timer.C:
			if len(checkedIn) < a.cfg.MinPeers {
				return fmt.Errorf("lobby closed with %d peers, need at least %d", len(checkedIn), a.cfg.MinPeers)
			}
			a.log.Warn("lobby deadline elapsed, starting with partial group",
				zap.Int("present", len(checkedIn)))
			a.setActive(checkedIn)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.setActive(checkedIn)
	return nil
}

// setActive fixes the active group in configured order, so every process
// derives the same peer ordering.
func (a *Arbiter) setActive(checkedIn map[models.PeerID]bool) {
	for _, id := range a.cfg.PeerGroup {
		if checkedIn[id] {
			a.active = append(a.active, id)
		}
	}
}

// assignRoles picks the impostor, announces the game to everyone and each
// role privately. Role and start announcements retain so a slow subscriber
// still sees them.
func (a *Arbiter) assignRoles() {
	a.impostor = game.ChooseImpostor(a.rng, a.active)
	a.phase = models.PhaseRolesAssigned
	a.log.Info("roles assigned", zap.Int("group", len(a.active)))

	start := models.GameStart{
		GameID:    a.gameID,
		Peers:     a.active,
		Rounds:    a.cfg.RoundsRequired,
		StartedAt: time.Now(),
	}
	if err := a.conn.Publish(bus.TopicConfig, true, start); err != nil {
		a.log.Warn("game start publish failed", zap.Error(err))
	}

	for _, peer := range a.active {
		msg := models.RoleAssignment{
			Role:      game.RoleFor(peer, a.impostor),
			GameID:    a.gameID,
			Timestamp: time.Now(),
		}
		if err := a.conn.Publish(bus.TopicRole(peer), true, msg); err != nil {
			a.log.Warn("role publish failed", zap.String("peer", string(peer)), zap.Error(err))
		}
	}
	a.phase = models.PhaseRounds
	a.log.Info("rounds in progress", zap.Int("rounds", a.cfg.RoundsRequired))
}

// runRounds accepts readings until every active peer completed the required
// rounds or the round deadline elapses. Peers that miss rounds do not stall
// the game.
func (a *Arbiter) runRounds(ctx context.Context) {
	timer := time.NewTimer(a.cfg.RoundTimeout)
	defer timer.Stop()

	for !a.roundsComplete() {
		select {
		case ev := <-a.events:
			if ev.kind != evReading {
				a.discard(ev)
				continue
			}
			a.acceptReading(ev.reading)
		case <-timer.C:
			a.log.Warn("round deadline elapsed, closing measurement phase")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Arbiter) roundsComplete() bool {
	for _, peer := range a.active {
		if a.lastRound[peer] < a.cfg.RoundsRequired {
			return false
		}
	}
	return true
}

// acceptReading enforces the round window: readings come from active peers,
// in strictly increasing round order, never past the required count.
func (a *Arbiter) acceptReading(reading models.Reading) {
	peer := reading.Peer
	if !a.isActive(peer) {
		a.log.Warn("discarding reading from inactive peer", zap.String("peer", string(peer)))
		return
	}
	if reading.Round != a.lastRound[peer]+1 || reading.Round > a.cfg.RoundsRequired {
		a.log.Warn("discarding out-of-window reading",
			zap.String("peer", string(peer)),
			zap.Int("round", reading.Round),
			zap.Int("last", a.lastRound[peer]))
		return
	}
	a.lastRound[peer] = reading.Round
	a.readings[peer] = append(a.readings[peer], reading)
	a.log.Info("reading accepted",
		zap.String("peer", string(peer)),
		zap.Int("round", reading.Round),
		zap.Float64("value", reading.Value))
}

// openVoting broadcasts the voting-open signal and collects one vote per
// active peer until all voted or the voting deadline elapses.
func (a *Arbiter) openVoting(ctx context.Context) {
	a.phase = models.PhaseVoting
	deadline := time.Now().Add(a.cfg.VoteTimeout)
	a.log.Info("voting open", zap.Time("deadline", deadline))

	if err := a.conn.Publish(bus.TopicVotingOpen, false, models.VotingOpen{
		GameID:   a.gameID,
		Deadline: deadline,
	}); err != nil {
		a.log.Warn("voting signal publish failed", zap.Error(err))
	}

	timer := time.NewTimer(a.cfg.VoteTimeout)
	defer timer.Stop()

	for len(a.votes) < len(a.active) {
		select {
		case ev := <-a.events:
			if ev.kind != evVote {
				a.discard(ev)
				continue
			}
			a.acceptVote(ev.vote)
		case <-timer.C:
			a.log.Warn("voting deadline elapsed, tallying available votes",
				zap.Int("received", len(a.votes)),
				zap.Int("expected", len(a.active)))
			return
		case <-ctx.Done():
			return
		}
	}
}

// acceptVote enforces one vote per peer, no self-votes, known voter and
// accused. Invalid votes are discarded silently and never affect the tally.
func (a *Arbiter) acceptVote(vote models.Vote) {
	switch {
	case !a.isActive(vote.Voter):
		a.log.Warn("discarding vote from inactive peer", zap.String("voter", string(vote.Voter)))
	case !a.isActive(vote.Accused):
		a.log.Warn("discarding vote for unknown peer",
			zap.String("voter", string(vote.Voter)),
			zap.String("accused", string(vote.Accused)))
	case vote.Voter == vote.Accused:
		a.log.Warn("discarding self-vote", zap.String("voter", string(vote.Voter)))
	default:
		if _, dup := a.votes[vote.Voter]; dup {
			a.log.Warn("discarding duplicate vote", zap.String("voter", string(vote.Voter)))
			return
		}
		a.votes[vote.Voter] = vote.Accused
		a.log.Info("vote accepted",
			zap.String("voter", string(vote.Voter)),
			zap.String("accused", string(vote.Accused)),
			zap.Int("received", len(a.votes)),
			zap.Int("expected", len(a.active)))
	}
}

// announceResult tallies, publishes the terminal GameResult and stops
// accepting anything further.
func (a *Arbiter) announceResult() (*models.GameResult, error) {
	tally := game.CountVotes(a.votes)
	winner := game.DecideWinner(tally, a.impostor)

	result := &models.GameResult{
		GameID:      a.gameID,
		Impostor:    a.impostor,
		Accused:     tally.Accused,
		Tally:       tally.Counts,
		Winner:      winner,
		AnnouncedAt: time.Now(),
	}
	a.phase = models.PhaseResultAnnounced

	for candidate, n := range tally.Counts {
		a.log.Info("tally",
			zap.String("candidate", string(candidate)),
			zap.Int("votes", n),
			zap.Bool("impostor", candidate == a.impostor))
	}
	a.log.Info("result announced",
		zap.String("impostor", string(a.impostor)),
		zap.String("winner", string(winner)),
		zap.Bool("majority", tally.Majority))

	if err := a.conn.Publish(bus.TopicResult, false, result); err != nil {
		a.log.Warn("result publish failed", zap.Error(err))
	}
	return result, nil
}

func (a *Arbiter) isActive(peer models.PeerID) bool {
	for _, id := range a.active {
		if id == peer {
			return true
		}
	}
	return false
}

func (a *Arbiter) discard(ev event) {
	a.log.Warn("discarding message outside its phase",
		zap.Int("kind", int(ev.kind)),
		zap.String("peer", string(ev.peer)),
		zap.String("phase", string(a.phase)))
}
