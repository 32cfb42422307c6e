// Package store implements the external collaborators of the session engine:
// a Postgres entity store, the LISTEN/NOTIFY change feed that confirms every
// write, and the blob store for scene backgrounds.
//
// The feed is the only source of confirmed state: writes issued here never
// update the in-memory cache directly.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/model"
)

// EventType classifies a change-feed event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Collection is the closed set of entity kinds carried by the feed. Feed
// payload strings are decoded into this enum exactly once, at the feed
// boundary.
type Collection int

const (
	CollectionSessions Collection = iota
	CollectionCharacters
	CollectionItems
	CollectionScenes
	CollectionTokens
	CollectionMessages
	CollectionCampaignLogs
	CollectionMemberships
)

var collectionNames = map[Collection]string{
	CollectionSessions:     "sessions",
	CollectionCharacters:   "characters",
	CollectionItems:        "items",
	CollectionScenes:       "scenes",
	CollectionTokens:       "tokens",
	CollectionMessages:     "messages",
	CollectionCampaignLogs: "campaign_logs",
	CollectionMemberships:  "memberships",
}

func (c Collection) String() string {
	if name, ok := collectionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("COLLECTION_%d", int(c))
}

// ParseCollection maps a feed table name onto the enum.
func ParseCollection(name string) (Collection, bool) {
	for c, n := range collectionNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// Event is one confirmed change, decoded into exactly one typed payload.
// For deletes only OldID (and the collection) is meaningful.
type Event struct {
	Collection Collection
	Type       EventType
	SessionID  string

	Session    *model.Session
	Character  *model.Character
	Item       *model.Item
	Scene      *model.Scene
	Token      *model.Token
	Message    *model.Message
	Log        *model.CampaignLogEntry
	Membership *model.Membership

	OldID string
}

// wireEvent is the JSON shape emitted by the notify triggers.
type wireEvent struct {
	Collection string          `json:"collection"`
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	New        json.RawMessage `json:"new"`
	Old        json.RawMessage `json:"old"`
}

// DecodeEvent turns a raw notification payload into a typed Event. Unknown
// collections and malformed payloads are errors; the feed drops them with a
// log line rather than forwarding junk.
func DecodeEvent(payload []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, fmt.Errorf("decode feed payload: %w", err)
	}

	collection, ok := ParseCollection(w.Collection)
	if !ok {
		return Event{}, fmt.Errorf("unknown collection %q", w.Collection)
	}

	ev := Event{
		Collection: collection,
		Type:       EventType(w.Type),
		SessionID:  w.SessionID,
	}
	switch ev.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Event{}, fmt.Errorf("unknown event type %q", w.Type)
	}

	body := w.New
	if ev.Type == EventDelete {
		var old struct {
			ID string `json:"id"`
		}
		if len(w.Old) > 0 {
			if err := json.Unmarshal(w.Old, &old); err != nil {
				return Event{}, fmt.Errorf("decode old row: %w", err)
			}
		}
		ev.OldID = old.ID
		return ev, nil
	}
	if len(body) == 0 {
		return Event{}, fmt.Errorf("%s %s event without row", w.Collection, w.Type)
	}

	var err error
	switch collection {
	case CollectionSessions:
		ev.Session = &model.Session{}
		err = json.Unmarshal(body, ev.Session)
	case CollectionCharacters:
		ev.Character = &model.Character{}
		err = json.Unmarshal(body, ev.Character)
	case CollectionItems:
		ev.Item = &model.Item{}
		err = json.Unmarshal(body, ev.Item)
	case CollectionScenes:
		ev.Scene = &model.Scene{}
		err = json.Unmarshal(body, ev.Scene)
	case CollectionTokens:
		ev.Token = &model.Token{}
		err = json.Unmarshal(body, ev.Token)
	case CollectionMessages:
		ev.Message = &model.Message{}
		err = json.Unmarshal(body, ev.Message)
	case CollectionCampaignLogs:
		ev.Log = &model.CampaignLogEntry{}
		err = json.Unmarshal(body, ev.Log)
	case CollectionMemberships:
		ev.Membership = &model.Membership{}
		err = json.Unmarshal(body, ev.Membership)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s row: %w", w.Collection, err)
	}
	return ev, nil
}

// EntityStore is the system of record. Each entity id has a single
// authoritative version; there is no cross-entity transaction.
type EntityStore interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
	UpdateSession(ctx context.Context, s model.Session) error

	ListCharacters(ctx context.Context, sessionID string) ([]model.Character, error)
	GetCharacter(ctx context.Context, id string) (model.Character, error)
	InsertCharacter(ctx context.Context, ch model.Character) error
	UpdateCharacter(ctx context.Context, ch model.Character) error

	ListItems(ctx context.Context, characterID string) ([]model.Item, error)
	InsertItem(ctx context.Context, item model.Item) error
	UpdateItem(ctx context.Context, item model.Item) error
	DeleteItem(ctx context.Context, id string) error

	ActiveScene(ctx context.Context, sessionID string) (model.Scene, bool, error)
	InsertScene(ctx context.Context, sc model.Scene) error
	ActivateScene(ctx context.Context, sessionID, sceneID string) error

	ListTokens(ctx context.Context, sceneID string) ([]model.Token, error)
	UpsertToken(ctx context.Context, tk model.Token) error
	DeleteToken(ctx context.Context, id string) error

	InsertMessage(ctx context.Context, m model.Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]model.Message, error)

	InsertLog(ctx context.Context, entry model.CampaignLogEntry) error
	ListLogs(ctx context.Context, sessionID string, limit int) ([]model.CampaignLogEntry, error)

	GetMembership(ctx context.Context, sessionID, userID string) (model.Membership, bool, error)
	UpsertMembership(ctx context.Context, m model.Membership) error
}

// ChangeFeed yields confirmed change events for a session. Each Subscribe
// call gets its own channel, so every subscriber of a session sees every
// event; the returned cancel drops only that subscription. Implementations
// keep per-entity ordering as serialized by the store, and close subscriber
// channels when the feed loses its source. Missed events are not replayed;
// after a drop the consumer must re-fetch everything.
type ChangeFeed interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error)
	Close() error
}
