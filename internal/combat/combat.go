// Package combat tracks the turn-based combat state of a session: an
// Idle/Active machine over an initiative-ordered roster. Authorization
// (GM-only transitions) belongs to the session operation layer, not here.
package combat

import (
	"errors"
	"fmt"
	"sort"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/dice"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/model"
)

// State is the combat machine state.
type State int

const (
	StateIdle State = iota
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("STATE_%d", int(s))
	}
}

// ErrNotIdle rejects starting combat while a fight is already running.
var ErrNotIdle = errors.New("combat already active")

// ErrNotActive rejects turn transitions outside a fight.
var ErrNotActive = errors.New("combat not active")

// ErrNoCombatants rejects starting combat with an empty roster. An active
// fight always has a non-empty order with the index inside it.
var ErrNoCombatants = errors.New("no combatants")

// Combatant is a roster entry eligible for initiative.
type Combatant struct {
	ID      string
	Name    string
	Agility int
}

// ChangeKind tags what a transition did.
type ChangeKind int

const (
	ChangeStarted ChangeKind = iota
	ChangeTurn
	ChangeRound
	ChangeEnded
)

// Change describes one transition, with a description ready for the system
// log.
type Change struct {
	Kind        ChangeKind
	Round       int
	Index       int
	CombatantID string
	Description string
}

// Tracker is the combat state machine. It restarts Idle → Active
// indefinitely; no state is terminal.
type Tracker struct {
	state State
	order []model.TurnEntry
	names map[string]string
	index int
	round int
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{state: StateIdle, names: make(map[string]string)}
}

// Resume rebuilds a tracker from a persisted session snapshot, so a fight
// survives a process restart. Names feed the turn announcements.
func Resume(order []model.TurnEntry, index, round int, names map[string]string) *Tracker {
	if len(order) == 0 {
		return NewTracker()
	}
	t := &Tracker{
		state: StateActive,
		order: append([]model.TurnEntry(nil), order...),
		names: make(map[string]string, len(names)),
		index: index,
		round: round,
	}
	for id, name := range names {
		t.names[id] = name
	}
	if t.index < 0 || t.index >= len(t.order) {
		t.index = 0
	}
	if t.round < 1 {
		t.round = 1
	}
	return t
}

// State returns the current machine state.
func (t *Tracker) State() State { return t.state }

// Order returns a copy of the initiative order.
func (t *Tracker) Order() []model.TurnEntry {
	return append([]model.TurnEntry(nil), t.order...)
}

// Round returns the current round count, zero while idle.
func (t *Tracker) Round() int { return t.round }

// Index returns the current turn index.
func (t *Tracker) Index() int { return t.index }

// Start rolls initiative (d20 + agility) for every combatant, sorts the
// order descending with roster order breaking ties, and activates the fight.
func (t *Tracker) Start(roster []Combatant, roller *dice.Roller) (Change, error) {
	if t.state != StateIdle {
		return Change{}, ErrNotIdle
	}
	if len(roster) == 0 {
		return Change{}, ErrNoCombatants
	}

	order := make([]model.TurnEntry, 0, len(roster))
	names := make(map[string]string, len(roster))
	for _, c := range roster {
		order = append(order, model.TurnEntry{
			CombatantID: c.ID,
			Initiative:  roller.Die(20) + c.Agility,
		})
		names[c.ID] = c.Name
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].Initiative > order[j].Initiative })

	t.state = StateActive
	t.order = order
	t.names = names
	t.index = 0
	t.round = 1

	return Change{
		Kind:        ChangeStarted,
		Round:       1,
		Index:       0,
		CombatantID: t.currentID(),
		Description: fmt.Sprintf("combat started, round 1, %d combatants", len(order)),
	}, nil
}

// Next advances the turn index. Wrapping past the last combatant starts a
// new round.
func (t *Tracker) Next() (Change, error) {
	if t.state != StateActive {
		return Change{}, ErrNotActive
	}

	t.index++
	if t.index >= len(t.order) {
		t.index = 0
		t.round++
		return Change{
			Kind:        ChangeRound,
			Round:       t.round,
			Index:       t.index,
			CombatantID: t.currentID(),
			Description: fmt.Sprintf("round %d started", t.round),
		}, nil
	}

	return Change{
		Kind:        ChangeTurn,
		Round:       t.round,
		Index:       t.index,
		CombatantID: t.currentID(),
		Description: fmt.Sprintf("turn of %s", t.currentName()),
	}, nil
}

// End clears the order and returns to Idle.
func (t *Tracker) End() (Change, error) {
	if t.state != StateActive {
		return Change{}, ErrNotActive
	}

	rounds := t.round
	t.state = StateIdle
	t.order = nil
	t.names = make(map[string]string)
	t.index = 0
	t.round = 0

	return Change{
		Kind:        ChangeEnded,
		Description: fmt.Sprintf("combat ended after %d rounds", rounds),
	}, nil
}

func (t *Tracker) currentID() string {
	if t.index < 0 || t.index >= len(t.order) {
		return ""
	}
	return t.order[t.index].CombatantID
}

func (t *Tracker) currentName() string {
	id := t.currentID()
	if name, ok := t.names[id]; ok && name != "" {
		return name
	}
	return id
}
