package population

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"potsplit.ai/internal/oracle"
	"potsplit.ai/internal/protocol"
)

// blendWeights computes each survivor's influence over a replacement.
// Profit-proportional when any survivor has a positive signal,
// uniform otherwise.
func blendWeights(survivors []*Strategy) []ParentShare {
	if len(survivors) == 0 {
		return nil
	}
	shares := make([]ParentShare, len(survivors))
	var total float64
	for i, s := range survivors {
		w := s.profitSignal()
		shares[i] = ParentShare{ID: s.ID, Name: s.Name, Weight: w}
		total += w
	}
	if total <= 0 {
		uniform := 1.0 / float64(len(survivors))
		for i := range shares {
			shares[i].Weight = uniform
		}
		return shares
	}
	for i := range shares {
		shares[i].Weight /= total
	}
	return shares
}

// blendPayload is the structured object expected back from the
// oracle's blending call.
type blendPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Reasoning   string `json:"reasoning"`
}

const blendRole = "You design negotiation strategies for a recurring resource-split game. " +
	"You respond with a single JSON object and nothing else."

func blendPrompt(parents []ParentShare, byID map[string]*Strategy, eliminated *Strategy) string {
	var b strings.Builder
	b.WriteString("A bankrupt strategy was removed from the roster. Synthesize ONE replacement " +
		"as a weighted blend of the surviving strategies below. Higher weight means stronger " +
		"influence on the replacement's behavior.\n\n")
	for _, p := range parents {
		s := byID[p.ID]
		fmt.Fprintf(&b, "weight %.2f — %s: %s\n", p.Weight, p.Name, s.Description)
	}
	fmt.Fprintf(&b, "\nELIMINATED (do NOT reproduce this approach; the replacement must diverge "+
		"from it): %s: %s\n", eliminated.Name, eliminated.Description)
	b.WriteString("\nRespond with exactly one JSON object:\n" +
		`{"name": "...", "description": "2-4 sentences of concrete negotiation behavior", "reasoning": "why this blend"}` + "\n")
	return b.String()
}

// synthesize builds the replacement for an eliminated strategy. The
// oracle path produces a genuine blend; on any oracle or parse
// failure the deterministic hybrid of the top two parents stands in.
func (m *Manager) synthesize(ctx context.Context, survivors []*Strategy, eliminated *Strategy, game int) (*Strategy, EvolutionEvent) {
	now := time.Now().UTC()

	parents := blendWeights(survivors)
	if len(parents) == 0 {
		// Nobody left to blend: mint a brand-new strategy instead.
		return m.novelStrategy(game, now)
	}

	byID := make(map[string]*Strategy, len(survivors))
	for _, s := range survivors {
		byID[s.ID] = s
	}

	gen := 1
	for _, p := range parents {
		if g := byID[p.ID].Generation + 1; g > gen {
			gen = g
		}
	}

	repl, fallback := m.oracleBlend(ctx, parents, byID, eliminated)
	if fallback {
		repl = fallbackBlend(parents, byID)
	}

	s := &Strategy{
		ID:          newID("hybrid"),
		Name:        repl.Name,
		Archetype:   "hybrid",
		Description: repl.Description,
		Generation:  gen,
		Parents:     parents,
		Reasoning:   repl.Reasoning,
		BornGame:    game,
		BornAt:      now,
	}
	s.credit(game, m.tune.StartingBalance, ReasonSeed, now)

	ev := EvolutionEvent{
		StrategyID: s.ID,
		Name:       s.Name,
		GameNumber: game,
		Generation: gen,
		Parents:    parents,
		Reasoning:  repl.Reasoning,
		Fallback:   fallback,
		Timestamp:  now,
	}
	return s, ev
}

func (m *Manager) oracleBlend(ctx context.Context, parents []ParentShare, byID map[string]*Strategy, eliminated *Strategy) (blendPayload, bool) {
	text, err := m.client.Generate(ctx, blendPrompt(parents, byID, eliminated), oracle.Options{
		Temperature:   m.tune.Oracle.Temperature,
		MaxOutputSize: m.tune.Oracle.MaxOutputSize,
		RoleText:      blendRole,
	})
	if err != nil {
		m.log.Printf("blend oracle failed, using deterministic hybrid: %v", err)
		return blendPayload{}, true
	}
	raw, ok := protocol.ExtractJSONObject(text)
	if !ok {
		m.log.Printf("blend response had no JSON object, using deterministic hybrid")
		return blendPayload{}, true
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		m.log.Printf("blend payload not JSON, using deterministic hybrid: %v", err)
		return blendPayload{}, true
	}
	if err := protocol.BlendPayloadSchema.Validate(generic); err != nil {
		m.log.Printf("blend payload shape, using deterministic hybrid: %v", err)
		return blendPayload{}, true
	}
	var p blendPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return blendPayload{}, true
	}
	return p, false
}

// fallbackBlend combines the two heaviest parents into a synthetic
// hybrid without consulting the oracle.
func fallbackBlend(parents []ParentShare, byID map[string]*Strategy) blendPayload {
	sorted := append([]ParentShare(nil), parents...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Weight > sorted[j].Weight })

	top := sorted[0]
	second := top
	if len(sorted) > 1 {
		second = sorted[1]
	}
	name := fmt.Sprintf("Hybrid: %s x %s", byID[top.ID].Name, byID[second.ID].Name)
	desc := fmt.Sprintf("Primarily %s. Secondarily %s.",
		truncateWords(byID[top.ID].Description, 30),
		truncateWords(byID[second.ID].Description, 20))
	return blendPayload{
		Name:        name,
		Description: desc,
		Reasoning:   "deterministic fallback: top two weighted survivors",
	}
}

// novelStrategy mints a fresh strategy from the archetype catalog
// when there is nothing to blend.
func (m *Manager) novelStrategy(game int, now time.Time) (*Strategy, EvolutionEvent) {
	a := m.catalog.Archetypes[m.rand.Intn(len(m.catalog.Archetypes))]
	s := &Strategy{
		ID:          newID("novel"),
		Name:        "Novel " + a.Name,
		Archetype:   a.ID,
		Description: a.Description,
		Generation:  1,
		BornGame:    game,
		BornAt:      now,
	}
	s.credit(game, m.tune.StartingBalance, ReasonSeed, now)
	ev := EvolutionEvent{
		StrategyID: s.ID,
		Name:       s.Name,
		GameNumber: game,
		Generation: 1,
		Reasoning:  "no blend candidates; minted from archetype " + a.ID,
		Fallback:   true,
		Timestamp:  now,
	}
	return s, ev
}

func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ") + "..."
}
