package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/model"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/store"
)

// fakeDB is an in-memory EntityStore for engine tests.
type fakeDB struct {
	mu          sync.Mutex
	sessions    map[string]model.Session
	characters  map[string]model.Character
	items       map[string]model.Item
	scenes      map[string]model.Scene
	tokens      map[string]model.Token
	messages    []model.Message
	logs        []model.CampaignLogEntry
	memberships map[string]model.Membership
	nextSeq     int64
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		sessions:    make(map[string]model.Session),
		characters:  make(map[string]model.Character),
		items:       make(map[string]model.Item),
		scenes:      make(map[string]model.Scene),
		tokens:      make(map[string]model.Token),
		memberships: make(map[string]model.Membership),
	}
}

func membershipKey(sessionID, userID string) string {
	return sessionID + "/" + userID
}

func (f *fakeDB) GetSession(_ context.Context, id string) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return model.Session{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeDB) UpdateSession(_ context.Context, s model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[s.ID]; !ok {
		return store.ErrNotFound
	}
	s.Version++
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeDB) ListCharacters(_ context.Context, sessionID string) ([]model.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Character
	for _, ch := range f.characters {
		if ch.SessionID == sessionID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDB) GetCharacter(_ context.Context, id string) (model.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.characters[id]
	if !ok {
		return model.Character{}, store.ErrNotFound
	}
	return ch, nil
}

func (f *fakeDB) InsertCharacter(_ context.Context, ch model.Character) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.characters[ch.ID] = ch
	return nil
}

func (f *fakeDB) UpdateCharacter(_ context.Context, ch model.Character) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.characters[ch.ID]; !ok {
		return store.ErrNotFound
	}
	f.characters[ch.ID] = ch
	return nil
}

func (f *fakeDB) ListItems(_ context.Context, characterID string) ([]model.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Item
	for _, it := range f.items {
		if it.CharacterID == characterID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDB) InsertItem(_ context.Context, item model.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
	return nil
}

func (f *fakeDB) UpdateItem(_ context.Context, item model.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[item.ID]; !ok {
		return store.ErrNotFound
	}
	f.items[item.ID] = item
	return nil
}

func (f *fakeDB) DeleteItem(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
	return nil
}

func (f *fakeDB) ActiveScene(_ context.Context, sessionID string) (model.Scene, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sc := range f.scenes {
		if sc.SessionID == sessionID && sc.Active {
			return sc, true, nil
		}
	}
	return model.Scene{}, false, nil
}

func (f *fakeDB) InsertScene(_ context.Context, sc model.Scene) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scenes[sc.ID] = sc
	return nil
}

func (f *fakeDB) ActivateScene(_ context.Context, sessionID, sceneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, ok := f.scenes[sceneID]
	if !ok || target.SessionID != sessionID {
		return store.ErrNotFound
	}
	for id, sc := range f.scenes {
		if sc.SessionID != sessionID {
			continue
		}
		wasActive := sc.Active
		sc.Active = id == sceneID
		f.scenes[id] = sc
		if wasActive && !sc.Active {
			for tid, tk := range f.tokens {
				if tk.SceneID == id {
					delete(f.tokens, tid)
				}
			}
		}
	}
	return nil
}

func (f *fakeDB) ListTokens(_ context.Context, sceneID string) ([]model.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Token
	for _, tk := range f.tokens {
		if tk.SceneID == sceneID {
			out = append(out, tk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDB) UpsertToken(_ context.Context, tk model.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[tk.ID] = tk
	return nil
}

func (f *fakeDB) DeleteToken(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, id)
	return nil
}

func (f *fakeDB) InsertMessage(_ context.Context, m model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	m.Seq = f.nextSeq
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeDB) ListMessages(_ context.Context, sessionID string, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeDB) InsertLog(_ context.Context, entry model.CampaignLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeDB) ListLogs(_ context.Context, sessionID string, limit int) ([]model.CampaignLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CampaignLogEntry
	for _, entry := range f.logs {
		if entry.SessionID == sessionID {
			out = append(out, entry)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeDB) GetMembership(_ context.Context, sessionID, userID string) (model.Membership, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memberships[membershipKey(sessionID, userID)]
	return m, ok, nil
}

func (f *fakeDB) UpsertMembership(_ context.Context, m model.Membership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[membershipKey(m.SessionID, m.UserID)] = m
	return nil
}

func (f *fakeDB) lastMessage() (model.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return model.Message{}, false
	}
	return f.messages[len(f.messages)-1], true
}

// fakeFeed mirrors the fan-out semantics of the Postgres feed: one channel
// per Subscribe call, events delivered to every subscriber, and a drop helper
// that closes all channels the way a lost connection does.
type fakeFeed struct {
	mu     sync.Mutex
	subs   map[int]chan store.Event
	nextID int
	closed bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[int]chan store.Event)}
}

func (f *fakeFeed) Subscribe(_ context.Context, _ string) (<-chan store.Event, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, fmt.Errorf("feed closed")
	}
	id := f.nextID
	f.nextID++
	ch := make(chan store.Event, 64)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			close(sub)
			delete(f.subs, id)
		}
	}
	return ch, cancel, nil
}

func (f *fakeFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.dropLocked()
	return nil
}

// drop simulates a lost feed connection: every subscriber channel is closed.
func (f *fakeFeed) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropLocked()
}

func (f *fakeFeed) dropLocked() {
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *fakeFeed) emit(ev store.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- ev
	}
}
