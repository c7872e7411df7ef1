package bus

import (
	"strings"

	"github.com/avigny/sensorspy/internal/models"
)

// Topic scheme. Per-peer topics end in the peer id so a single wildcard
// subscription covers the whole group.
const (
	TopicConfig     = "iot/config"
	TopicVotingOpen = "iot/signal/voting"
	TopicResult     = "iot/result"

	topicPresencePrefix = "iot/presence/"
	topicRolePrefix     = "iot/role/"
	topicReadingPrefix  = "iot/readings/"
	topicVotePrefix     = "iot/votes/"

	TopicPresenceAll = topicPresencePrefix + "+"
	TopicReadingAll  = topicReadingPrefix + "+"
	TopicVoteAll     = topicVotePrefix + "+"
)

// TopicPresence returns the check-in topic for one peer.
func TopicPresence(id models.PeerID) string { return topicPresencePrefix + string(id) }

// TopicRole returns the private role-announcement topic for one peer.
func TopicRole(id models.PeerID) string { return topicRolePrefix + string(id) }

// TopicReading returns the reading topic for one peer.
func TopicReading(id models.PeerID) string { return topicReadingPrefix + string(id) }

// TopicVote returns the vote topic for one peer.
func TopicVote(id models.PeerID) string { return topicVotePrefix + string(id) }

// PeerFromTopic extracts the peer id from a per-peer topic, returning false
// for topics that do not carry one.
func PeerFromTopic(topic string) (models.PeerID, bool) {
	for _, prefix := range []string{topicPresencePrefix, topicRolePrefix, topicReadingPrefix, topicVotePrefix} {
		if rest, ok := strings.CutPrefix(topic, prefix); ok && rest != "" && !strings.Contains(rest, "/") {
			return models.PeerID(rest), true
		}
	}
	return "", false
}

// RetainedTopics lists every topic that may carry retained state for the
// given group. The reset utility clears exactly this set.
func RetainedTopics(group []models.PeerID) []string {
	topics := []string{TopicConfig}
	for _, id := range group {
		topics = append(topics, TopicRole(id), TopicReading(id), TopicVote(id))
	}
	return topics
}
