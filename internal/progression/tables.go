// Package progression derives character maxima from attributes under the
// class progression rules. The numeric tables (class bases, survivor stages,
// carry rule, attribute caps, ranks, ritual and monster templates) are
// external data loaded once at startup and validated here; the engine itself
// fixes only the formula shape.
package progression

import (
	"fmt"
	"sort"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/model"
	"github.com/spf13/viper"
)

// Track holds the base values and per-level growth for one progression track.
// The same shape serves the ordinary NEX track (per class) and the survivor
// stage track.
type Track struct {
	InitialVitality  int `mapstructure:"pv_inicial"`
	InitialEffort    int `mapstructure:"pe_inicial"`
	InitialSanity    int `mapstructure:"san_inicial"`
	VitalityPerLevel int `mapstructure:"pv_por_nivel"`
	EffortPerLevel   int `mapstructure:"pe_por_nivel"`
	SanityPerLevel   int `mapstructure:"san_por_nivel"`
}

// CarryRule derives inventory capacity from the strength attribute.
type CarryRule struct {
	BaseSlots   int `mapstructure:"base_slots"`
	PerStrength int `mapstructure:"per_strength"`
}

// AttributeCap is the highest attribute value allowed from MinNEX onward.
type AttributeCap struct {
	MinNEX int `mapstructure:"min_nex"`
	Max    int `mapstructure:"max"`
}

// RankThreshold maps a NEX floor to its rank (patente) label.
type RankThreshold struct {
	MinNEX int    `mapstructure:"min_nex"`
	Label  string `mapstructure:"label"`
}

// RitualTemplate describes a castable ritual. Circle gates the minimum NEX.
type RitualTemplate struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Circle     int    `mapstructure:"circle"`
	EffortCost int    `mapstructure:"effort_cost"`
}

// MonsterItemTemplate is a piece of gear a spawned creature carries.
type MonsterItemTemplate struct {
	Name     string         `mapstructure:"name"`
	Category string         `mapstructure:"category"`
	Slots    int            `mapstructure:"slots"`
	Quantity int            `mapstructure:"quantity"`
	Stats    map[string]any `mapstructure:"stats"`
}

// MonsterTemplate describes an NPC the GM can spawn, rated by VD.
type MonsterTemplate struct {
	ID         string                `mapstructure:"id"`
	Name       string                `mapstructure:"name"`
	VD         int                   `mapstructure:"vd"`
	Attributes model.AttributeSet    `mapstructure:"attributes"`
	Stats      model.StatBlock       `mapstructure:"stats"`
	Defense    int                   `mapstructure:"defense"`
	Items      []MonsterItemTemplate `mapstructure:"items"`
}

// Tables is the full validated rule data set.
type Tables struct {
	Classes       map[string]Track           `mapstructure:"classes"`
	SurvivorClass string                     `mapstructure:"survivor_class"`
	Survivor      Track                      `mapstructure:"survivor"`
	Carry         CarryRule                  `mapstructure:"carry"`
	AttributeCaps []AttributeCap             `mapstructure:"attribute_caps"`
	Ranks         []RankThreshold            `mapstructure:"ranks"`
	Rituals       map[string]RitualTemplate  `mapstructure:"rituals"`
	Bestiary      map[string]MonsterTemplate `mapstructure:"bestiary"`
}

// Load reads and validates the rule tables from a YAML file.
func Load(path string) (*Tables, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tables: %w", err)
	}

	var t Tables
	if err := v.Unmarshal(&t); err != nil {
		return nil, fmt.Errorf("parse tables: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("validate tables: %w", err)
	}
	return &t, nil
}

// Validate checks the tables once at startup so lookups never re-validate.
func (t *Tables) Validate() error {
	if len(t.Classes) == 0 {
		return fmt.Errorf("no classes defined")
	}
	for name, track := range t.Classes {
		if err := validateTrack(track); err != nil {
			return fmt.Errorf("class %q: %w", name, err)
		}
	}
	if t.SurvivorClass != "" {
		if _, ok := t.Classes[t.SurvivorClass]; !ok {
			return fmt.Errorf("survivor_class %q is not a defined class", t.SurvivorClass)
		}
		if err := validateTrack(t.Survivor); err != nil {
			return fmt.Errorf("survivor track: %w", err)
		}
	}
	if t.Carry.BaseSlots < 0 || t.Carry.PerStrength < 0 {
		return fmt.Errorf("carry rule must be non-negative")
	}

	if len(t.AttributeCaps) == 0 {
		return fmt.Errorf("no attribute caps defined")
	}
	sort.Slice(t.AttributeCaps, func(i, j int) bool { return t.AttributeCaps[i].MinNEX < t.AttributeCaps[j].MinNEX })
	if t.AttributeCaps[0].MinNEX != 0 {
		return fmt.Errorf("attribute caps must start at NEX 0")
	}

	if len(t.Ranks) == 0 {
		return fmt.Errorf("no ranks defined")
	}
	sort.Slice(t.Ranks, func(i, j int) bool { return t.Ranks[i].MinNEX < t.Ranks[j].MinNEX })
	if t.Ranks[0].MinNEX != 0 {
		return fmt.Errorf("ranks must start at NEX 0")
	}

	for id, r := range t.Rituals {
		if r.Circle < 0 || r.Circle > 4 {
			return fmt.Errorf("ritual %q: circle %d out of range", id, r.Circle)
		}
		if r.EffortCost < 0 {
			return fmt.Errorf("ritual %q: negative effort cost", id)
		}
	}
	for id, m := range t.Bestiary {
		if m.VD < 0 {
			return fmt.Errorf("monster %q: negative VD", id)
		}
	}
	return nil
}

func validateTrack(track Track) error {
	if track.InitialVitality < 0 || track.InitialEffort < 0 || track.InitialSanity < 0 {
		return fmt.Errorf("initial stats must be non-negative")
	}
	if track.VitalityPerLevel < 0 || track.EffortPerLevel < 0 || track.SanityPerLevel < 0 {
		return fmt.Errorf("growth must be non-negative")
	}
	return nil
}

// Ritual looks up a ritual template by id.
func (t *Tables) Ritual(id string) (RitualTemplate, bool) {
	r, ok := t.Rituals[id]
	return r, ok
}

// Monster looks up a bestiary template by id.
func (t *Tables) Monster(id string) (MonsterTemplate, bool) {
	m, ok := t.Bestiary[id]
	return m, ok
}
