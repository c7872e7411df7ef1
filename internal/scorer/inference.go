package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/avigny/sensorspy/internal/models"
)

// InferenceConfig configures the external inference endpoint and HTTP
// behavior.
type InferenceConfig struct {
	// Endpoint is the base URL of an Ollama-compatible server.
	Endpoint   string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Inference delegates ranking to an external model server. Any transport,
// decode or validation failure is returned as an error so the caller can
// fall back; the game never depends on this path succeeding.
type Inference struct {
	cfg InferenceConfig
}

// NewInference builds an inference scorer.
func NewInference(cfg InferenceConfig) *Inference {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &Inference{cfg: cfg}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (s *Inference) Rank(ctx context.Context, readings map[models.PeerID][]models.Reading) ([]models.PeerID, error) {
	if strings.TrimSpace(s.cfg.Endpoint) == "" {
		return nil, fmt.Errorf("inference endpoint is not configured")
	}

	peers := peerSet(readings)
	if len(peers) < 2 {
		return nil, ErrInsufficientData
	}

	body, err := json.Marshal(generateRequest{
		Model:   s.cfg.Model,
		Prompt:  buildPrompt(peers, readings),
		Stream:  false,
		Options: map[string]any{"temperature": 0.1},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal inference request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(s.cfg.Endpoint, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference service returned status %d", res.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read inference response: %w", err)
	}
	var gen generateResponse
	if err := json.Unmarshal(raw, &gen); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}

	ranking, err := parseRanking(gen.Response, peers)
	if err != nil {
		return nil, fmt.Errorf("parse inference ranking: %w", err)
	}
	return ranking, nil
}

// buildPrompt frames the task as anomaly identification over a statistical
// summary of every peer's history plus the raw values.
func buildPrompt(peers []models.PeerID, readings map[models.PeerID][]models.Reading) string {
	var all []float64
	for _, rs := range readings {
		for _, r := range rs {
			all = append(all, r.Value)
		}
	}
	globalMean := mean(all)

	var b strings.Builder
	b.WriteString("You are an anomaly detection system for a group of IoT temperature sensors.\n")
	b.WriteString("Exactly one sensor is falsifying its readings; the others report consistent values.\n\n")
	fmt.Fprintf(&b, "GLOBAL MEAN: %.1f\n\nPER-SENSOR DATA:\n", globalMean)

	for _, peer := range peers {
		values := make([]float64, 0, len(readings[peer]))
		for _, r := range readings[peer] {
			values = append(values, r.Value)
		}
		m := mean(values)
		fmt.Fprintf(&b, "  %s: mean=%.1f variance=%.1f deviation=%.1f values=%s\n",
			peer, m, variance(values, m), math.Abs(m-globalMean), formatValues(values))
	}

	b.WriteString("\nRank all sensors from most to least suspicious.\n")
	b.WriteString("Respond ONLY with a JSON object of the exact form ")
	b.WriteString(`{"ranking": [`)
	for i, peer := range peers {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", string(peer))
	}
	b.WriteString("]} reordered by suspicion.\n")
	return b.String()
}

type rankingPayload struct {
	Ranking []models.PeerID `json:"ranking"`
}

// parseRanking extracts the JSON ranking object from the model's free-form
// answer and validates it against the known peer set. Unknown entries and
// duplicates fail the parse; peers the model omitted are appended in
// lexicographic order so the ranking is always complete.
func parseRanking(text string, peers []models.PeerID) ([]models.PeerID, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var payload rankingPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("malformed ranking object: %w", err)
	}
	if len(payload.Ranking) == 0 {
		return nil, fmt.Errorf("ranking is empty")
	}

	known := make(map[models.PeerID]bool, len(peers))
	for _, p := range peers {
		known[p] = true
	}

	seen := make(map[models.PeerID]bool, len(payload.Ranking))
	ranking := make([]models.PeerID, 0, len(peers))
	for _, p := range payload.Ranking {
		if !known[p] {
			return nil, fmt.Errorf("unknown peer %q in ranking", p)
		}
		if seen[p] {
			return nil, fmt.Errorf("duplicate peer %q in ranking", p)
		}
		seen[p] = true
		ranking = append(ranking, p)
	}
	for _, p := range peers {
		if !seen[p] {
			ranking = append(ranking, p)
		}
	}
	return ranking, nil
}

func peerSet(readings map[models.PeerID][]models.Reading) []models.PeerID {
	peers := make([]models.PeerID, 0, len(readings))
	for peer, rs := range readings {
		if len(rs) > 0 {
			peers = append(peers, peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func variance(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += (v - m) * (v - m)
	}
	return total / float64(len(values)-1)
}

func formatValues(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.1f", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
