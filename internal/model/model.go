// Package model holds the shared entities of a running table: the session
// itself, its characters, items, scene, tokens, messages and campaign log.
// The external store is the system of record for all of them; everything in
// memory is a cache.
package model

import "time"

// AttributeSet holds the five character attributes. JSON keys follow the
// sheet's short names.
type AttributeSet struct {
	Agility   int `json:"agi"`
	Strength  int `json:"for"`
	Intellect int `json:"int"`
	Presence  int `json:"pre"`
	Vigor     int `json:"vig"`
}

// AttributeNames lists the valid attribute keys in sheet order.
var AttributeNames = []string{"agi", "for", "int", "pre", "vig"}

// Value returns the named attribute, false for unknown names.
func (a AttributeSet) Value(name string) (int, bool) {
	switch name {
	case "agi":
		return a.Agility, true
	case "for":
		return a.Strength, true
	case "int":
		return a.Intellect, true
	case "pre":
		return a.Presence, true
	case "vig":
		return a.Vigor, true
	}
	return 0, false
}

// WithValue returns a copy with the named attribute replaced. Unknown names
// return the set unchanged with ok false.
func (a AttributeSet) WithValue(name string, v int) (AttributeSet, bool) {
	switch name {
	case "agi":
		a.Agility = v
	case "for":
		a.Strength = v
	case "int":
		a.Intellect = v
	case "pre":
		a.Presence = v
	case "vig":
		a.Vigor = v
	default:
		return a, false
	}
	return a, true
}

// StatBlock groups the three core resource stats.
type StatBlock struct {
	Vitality int `json:"pv"`
	Effort   int `json:"pe"`
	Sanity   int `json:"san"`
}

// Character is a player character or NPC in a session. Max and CarryMax are
// derived values: they are recomputed from attributes, NEX, class and items,
// never treated as independent truth.
type Character struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"owner_id"` // empty for NPCs
	SessionID     string       `json:"session_id"`
	Name          string       `json:"name"`
	Class         string       `json:"class"`
	NEX           int          `json:"nex"` // 0-99, advances in steps of 5
	Rank          string       `json:"patente"`
	Origin        string       `json:"origin"`
	Attributes    AttributeSet `json:"attributes"`
	Current       StatBlock    `json:"stats_current"`
	Max           StatBlock    `json:"stats_max"`
	Defense       int          `json:"defense"`
	CarryMax      int          `json:"carry_max"`
	SurvivorStage int          `json:"survivor_stage"` // 1-5, zero unless class uses the survivor track
	NPC           bool         `json:"npc"`
	GMOverride    bool         `json:"gm_override"`
	Alive         bool         `json:"alive"`
	Sane          bool         `json:"sane"`
	Overloaded    bool         `json:"overloaded"`
}

// TurnEntry is one combatant in the initiative order.
type TurnEntry struct {
	CombatantID string `json:"combatant_id"`
	Initiative  int    `json:"initiative"`
}

// Session is the shared table ("mesa"). Combat fields are serialized together
// as part of this single entity; TurnOrder is empty whenever CombatActive is
// false, and TurnIndex is within bounds whenever it is true.
type Session struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	JoinCodeHash string      `json:"-"`
	GMID         string      `json:"gm_id"`
	Active       bool        `json:"active"`
	CombatActive bool        `json:"combat_active"`
	TurnOrder    []TurnEntry `json:"turn_order"`
	TurnIndex    int         `json:"turn_index"`
	Round        int         `json:"round"`
	Version      int64       `json:"version"`
}

// CurrentCombatant returns the combatant whose turn it is, if combat is
// active and the index is in bounds.
func (s *Session) CurrentCombatant() (TurnEntry, bool) {
	if !s.CombatActive || s.TurnIndex < 0 || s.TurnIndex >= len(s.TurnOrder) {
		return TurnEntry{}, false
	}
	return s.TurnOrder[s.TurnIndex], true
}

// Item is a piece of inventory owned by a character. Slot overflow never
// blocks an item grant; it flips the owner's Overloaded flag instead.
type Item struct {
	ID          string         `json:"id"`
	CharacterID string         `json:"character_id"`
	Name        string         `json:"name"`
	Category    string         `json:"category"`
	Slots       int            `json:"slots"`
	Quantity    int            `json:"quantity"`
	Stats       map[string]any `json:"stats,omitempty"`
}

// Scene is a playable map. At most one scene per session is active.
type Scene struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	Background string `json:"background"`
	GridSize   int    `json:"grid_size"`
	Active     bool   `json:"active"`
}

// Token is a character marker on a scene.
type Token struct {
	ID          string  `json:"id"`
	SceneID     string  `json:"scene_id"`
	CharacterID string  `json:"character_id"`
	X           int     `json:"x"`
	Y           int     `json:"y"`
	Size        float64 `json:"size"`
	Visible     bool    `json:"visible"`
}

// MessageKind discriminates chat message payloads.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageRoll   MessageKind = "roll"
	MessageSystem MessageKind = "system"
)

// RollPayload is the structured body of a dice-roll message.
type RollPayload struct {
	Expression string `json:"expression"`
	Total      int    `json:"total"`
	Faces      []int  `json:"faces"`
	Critical   bool   `json:"critical"`
	Detail     string `json:"detail"`
}

// Message is one chat entry. Messages are append-only, ordered by Seq.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	AuthorID    string       `json:"author_id"`
	CharacterID string       `json:"character_id,omitempty"`
	Kind        MessageKind  `json:"kind"`
	Text        string       `json:"text,omitempty"`
	Roll        *RollPayload `json:"roll,omitempty"`
	Seq         int64        `json:"seq"`
	CreatedAt   time.Time    `json:"created_at"`
}

// CampaignLogEntry records a notable table event. Append-only.
type CampaignLogEntry struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MembershipStatus is the approval state of a user's request to join a session.
type MembershipStatus string

const (
	MembershipPending  MembershipStatus = "pending"
	MembershipApproved MembershipStatus = "approved"
	MembershipRejected MembershipStatus = "rejected"
)

// Membership links a user to a session. Unique per (session, user).
type Membership struct {
	SessionID string           `json:"session_id"`
	UserID    string           `json:"user_id"`
	Status    MembershipStatus `json:"status"`
}
