// Package rules gates sheet mutations against the game rules. Guards are
// pure: they return a Result value and never error or panic. A character
// carrying the GM-override flag passes every guard except the pure capacity
// warning, which stays informational either way.
package rules

import (
	"fmt"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/model"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/progression"
)

// Result is the outcome of a guard check. Message is suitable for direct
// display; Explanation carries the rule detail when present.
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Explanation string `json:"explanation,omitempty"`
}

// OverloadedMessage marks the capacity warning so callers can flip the
// character's overloaded flag.
const OverloadedMessage = "overloaded"

// circleMinNEX gates ritual circles by minimum NEX.
var circleMinNEX = [5]int{0, 1, 25, 55, 85}

// CircleMinNEX returns the minimum NEX required to cast a ritual of the
// given circle. Circles outside 0-4 never pass.
func CircleMinNEX(circle int) int {
	if circle < 0 || circle >= len(circleMinNEX) {
		return 100
	}
	return circleMinNEX[circle]
}

func allow(msg string) Result {
	return Result{Success: true, Message: msg}
}

func deny(msg, why string) Result {
	return Result{Success: false, Message: msg, Explanation: why}
}

func overridden() Result {
	return Result{Success: true, Message: "GM override", Explanation: "override flag bypasses this rule"}
}

// CheckAttributeIncrease gates raising the named attribute by one. The cap
// comes from the character's NEX progression tier.
func CheckAttributeIncrease(ch model.Character, attribute string, tables *progression.Tables) Result {
	if ch.GMOverride {
		return overridden()
	}

	current, ok := ch.Attributes.Value(attribute)
	if !ok {
		return deny("unknown attribute", fmt.Sprintf("%q is not an attribute", attribute))
	}

	tierMax := tables.AttributeCapFor(ch.NEX)
	if current >= tierMax {
		return deny(
			fmt.Sprintf("%s is at the tier cap", attribute),
			fmt.Sprintf("NEX %d%% allows attributes up to %d", ch.NEX, tierMax),
		)
	}
	return allow(fmt.Sprintf("%s can increase to %d", attribute, current+1))
}

// CheckRitualCast gates casting a ritual against current effort and the
// circle's minimum NEX.
func CheckRitualCast(ch model.Character, ritual progression.RitualTemplate) Result {
	if ch.GMOverride {
		return overridden()
	}

	if ch.Current.Effort < ritual.EffortCost {
		return deny(
			"not enough effort",
			fmt.Sprintf("%s costs %d PE, %d available", ritual.Name, ritual.EffortCost, ch.Current.Effort),
		)
	}
	if minNEX := CircleMinNEX(ritual.Circle); ch.NEX < minNEX {
		return deny(
			"circle beyond reach",
			fmt.Sprintf("circle %d requires NEX %d%%, character has %d%%", ritual.Circle, minNEX, ch.NEX),
		)
	}
	return allow(fmt.Sprintf("%s cast for %d PE", ritual.Name, ritual.EffortCost))
}

// CheckItemAdd never blocks the grant. When the resulting slot usage exceeds
// carry capacity it succeeds with the overloaded warning; the caller is
// expected to set the character's overloaded flag.
func CheckItemAdd(ch model.Character, usedSlots int, item model.Item) Result {
	total := usedSlots + item.Slots
	if total > ch.CarryMax {
		return Result{
			Success:     true,
			Message:     OverloadedMessage,
			Explanation: fmt.Sprintf("%d slots used of %d", total, ch.CarryMax),
		}
	}
	return allow(fmt.Sprintf("%s added, %d slots used of %d", item.Name, total, ch.CarryMax))
}

// Weapon is the attack-relevant view of an equipped item. An empty AmmoType
// means the weapon needs no ammunition.
type Weapon struct {
	Name     string
	AmmoType string
}

// CheckAttack gates an attack with the given weapon against the character's
// inventory: ammunition of the required type must be present with at least
// one round.
func CheckAttack(ch model.Character, weapon Weapon, inventory []model.Item) Result {
	if ch.GMOverride {
		return overridden()
	}

	if weapon.AmmoType == "" {
		return allow(fmt.Sprintf("attack with %s", weapon.Name))
	}

	for _, item := range inventory {
		if item.Category != "ammunition" || item.Name != weapon.AmmoType {
			continue
		}
		if item.Quantity < 1 {
			break
		}
		return allow(fmt.Sprintf("attack with %s (%d %s left)", weapon.Name, item.Quantity, weapon.AmmoType))
	}
	return deny(
		"no ammunition",
		fmt.Sprintf("%s requires %s", weapon.Name, weapon.AmmoType),
	)
}

// CheckClassChange gates switching class. Leaving the survivor track requires
// having finished it (stage 5).
func CheckClassChange(ch model.Character, newClass, survivorClass string) Result {
	if ch.GMOverride {
		return overridden()
	}

	if survivorClass != "" && ch.Class == survivorClass && newClass != survivorClass && ch.SurvivorStage < 5 {
		return deny(
			"survivor track unfinished",
			fmt.Sprintf("stage %d of 5; the track must be completed first", ch.SurvivorStage),
		)
	}
	return allow(fmt.Sprintf("class changed to %s", newClass))
}
