package archetypes

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Archetype is a hand-authored seed strategy. The population manager
// instantiates these at first boot and again on a full reset.
type Archetype struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

type Catalog struct {
	Archetypes []Archetype `yaml:"archetypes"`
}

// Load reads the catalog from path, falling back to the compiled-in
// set when the file does not exist.
func Load(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Builtin(), nil
		}
		return Catalog{}, err
	}
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("archetypes.yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c Catalog) Validate() error {
	if len(c.Archetypes) < 2 {
		return fmt.Errorf("catalog needs at least 2 archetypes, got %d", len(c.Archetypes))
	}
	seen := map[string]struct{}{}
	for _, a := range c.Archetypes {
		if a.ID == "" || a.Name == "" || a.Description == "" {
			return fmt.Errorf("archetype %q: id, name and description are required", a.ID)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("duplicate archetype id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return nil
}

// Builtin returns the canonical six-strategy seed set.
func Builtin() Catalog {
	return Catalog{Archetypes: []Archetype{
		{
			ID:   "aggressive_maximizer",
			Name: "Aggressive Maximizer",
			Description: "Demand the largest share you can defend. Open high, concede " +
				"slowly, and punish players who vote against you by cutting them out of " +
				"your next proposal. Form coalitions only when they serve your total.",
		},
		{
			ID:   "diplomatic_builder",
			Name: "Diplomatic Builder",
			Description: "Build broad coalitions with near-equal splits. Reward " +
				"consistent allies with slightly better shares and spend votes to keep " +
				"cooperative players in the game. Stability beats greed.",
		},
		{
			ID:   "strategic_opportunist",
			Name: "Strategic Opportunist",
			Description: "Track which proposal is closest to the winning threshold and " +
				"throw your votes behind it in exchange for a better cut. Switch sides " +
				"without sentiment whenever a stronger offer appears.",
		},
		{
			ID:   "mathematical_analyzer",
			Name: "Mathematical Analyzer",
			Description: "Compute the expected value of every standing proposal before " +
				"allocating votes. Propose splits that are individually rational for a " +
				"minimal winning coalition and ignore emotional appeals.",
		},
		{
			ID:   "social_manipulator",
			Name: "Social Manipulator",
			Description: "Shape how others perceive the table. Signal loyalty to " +
				"several players at once, encourage rivals to fight each other, and keep " +
				"your own allocation demands modest enough to avoid becoming the target.",
		},
		{
			ID:   "strategy_identifier",
			Name: "Strategy Identifier",
			Description: "Classify each opponent's pattern from their matrix history and " +
				"counter it: starve aggressors of votes, outbid opportunists, and mirror " +
				"diplomats until the final rounds, then claim the decisive share.",
		},
	}}
}
