package progression

import (
	"fmt"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/model"
)

// Derived is the recomputed set of maxima for one character snapshot.
type Derived struct {
	Vitality      int `json:"pv"`
	Effort        int `json:"pe"`
	Sanity        int `json:"san"`
	CarryCapacity int `json:"carry"`
}

// Level converts a NEX percentage to its progression level.
func Level(nex int) int {
	return nex / 5
}

// DeriveMaxStats recomputes a character's maximum stats and carry capacity
// from its class, NEX (or survivor stage) and attributes. Pure: two calls on
// the same snapshot yield identical results.
func (t *Tables) DeriveMaxStats(ch model.Character) (Derived, error) {
	track, ok := t.Classes[ch.Class]
	if !ok {
		return Derived{}, fmt.Errorf("unknown class %q", ch.Class)
	}

	level := Level(ch.NEX)
	if t.SurvivorClass != "" && ch.Class == t.SurvivorClass && ch.SurvivorStage >= 1 {
		track = t.Survivor
		level = ch.SurvivorStage
	}

	return Derived{
		Vitality:      trackStat(track.InitialVitality, track.VitalityPerLevel, ch.Attributes.Vigor, level),
		Effort:        trackStat(track.InitialEffort, track.EffortPerLevel, ch.Attributes.Presence, level),
		Sanity:        trackStat(track.InitialSanity, track.SanityPerLevel, 0, level),
		CarryCapacity: t.Carry.BaseSlots + ch.Attributes.Strength*t.Carry.PerStrength,
	}, nil
}

// trackStat applies the progression formula. Level zero (NEX below 5) gets
// the base value plus attribute with no growth term; the (level-1) factor
// never goes negative.
func trackStat(initial, growth, attribute, level int) int {
	if level <= 0 {
		return initial + attribute
	}
	return initial + attribute + (level-1)*(growth+attribute)
}

// AttributeCapFor returns the highest attribute value the given NEX allows.
func (t *Tables) AttributeCapFor(nex int) int {
	capValue := t.AttributeCaps[0].Max
	for _, c := range t.AttributeCaps {
		if nex >= c.MinNEX {
			capValue = c.Max
		}
	}
	return capValue
}

// RankFor returns the rank (patente) label for the given NEX.
func (t *Tables) RankFor(nex int) string {
	label := t.Ranks[0].Label
	for _, r := range t.Ranks {
		if nex >= r.MinNEX {
			label = r.Label
		}
	}
	return label
}
