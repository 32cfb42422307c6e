// Package session owns the in-memory state of one joined table: a reactive
// cache fed by the change feed, and the named operations that mutate the
// external store. The cache is never updated by a write directly; confirmed
// state arrives only through the feed.
package session

import (
	"sync"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/model"
)

// Snapshot is an immutable copy of the cache handed to subscribers and the
// gateway. Pending local patches are overlaid on confirmed state; a
// confirming feed event always wins over a pending patch for the same
// entity.
type Snapshot struct {
	Session                *model.Session           `json:"session,omitempty"`
	Characters             []model.Character        `json:"characters"`
	Character              *model.Character         `json:"character,omitempty"` // the caller's
	Items                  []model.Item             `json:"items"`
	Scene                  *model.Scene             `json:"scene,omitempty"`
	Tokens                 []model.Token            `json:"tokens"`
	Messages               []model.Message          `json:"messages"`
	Logs                   []model.CampaignLogEntry `json:"logs"`
	Loading                bool                     `json:"loading"`
	ApprovalStatus         model.MembershipStatus   `json:"approval_status,omitempty"`
	NeedsCharacterCreation bool                     `json:"needs_character_creation"`
	IsGM                   bool                     `json:"is_gm"`
}

// Listener observes every cache change.
type Listener func(Snapshot)

// Store is the reactive cache. One instance per joined session, owned by the
// composition root and passed explicitly to consumers; there is no implicit
// process-wide singleton.
type Store struct {
	mu     sync.RWMutex
	userID string

	session    *model.Session
	characters []model.Character
	items      []model.Item
	scene      *model.Scene
	tokens     []model.Token
	messages   []model.Message
	logs       []model.CampaignLogEntry

	loading        bool
	approval       model.MembershipStatus
	needsCharacter bool

	pendingCharacters map[string]model.Character
	pendingTokens     map[string]model.Token

	listeners  map[int]Listener
	nextListen int
}

// NewStore creates an empty cache for the given caller.
func NewStore(userID string) *Store {
	return &Store{
		userID:            userID,
		loading:           true,
		pendingCharacters: make(map[string]model.Character),
		pendingTokens:     make(map[string]model.Token),
		listeners:         make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns its removal func. The listener
// is immediately called with the current snapshot.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextListen
	s.nextListen++
	s.listeners[id] = fn
	snap := s.snapshotLocked()
	s.mu.Unlock()

	fn(snap)
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Snapshot returns a copy of the current state with pending patches applied.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Items:                  append([]model.Item(nil), s.items...),
		Messages:               append([]model.Message(nil), s.messages...),
		Logs:                   append([]model.CampaignLogEntry(nil), s.logs...),
		Loading:                s.loading,
		ApprovalStatus:         s.approval,
		NeedsCharacterCreation: s.needsCharacter,
	}

	if s.session != nil {
		cp := *s.session
		cp.TurnOrder = append([]model.TurnEntry(nil), s.session.TurnOrder...)
		snap.Session = &cp
		snap.IsGM = s.session.GMID == s.userID
	}
	if s.scene != nil {
		cp := *s.scene
		snap.Scene = &cp
	}

	snap.Characters = make([]model.Character, 0, len(s.characters))
	for _, ch := range s.characters {
		if patched, ok := s.pendingCharacters[ch.ID]; ok {
			ch = patched
		}
		snap.Characters = append(snap.Characters, ch)
		if !ch.NPC && ch.OwnerID == s.userID {
			mine := ch
			snap.Character = &mine
		}
	}

	snap.Tokens = make([]model.Token, 0, len(s.tokens))
	for _, tk := range s.tokens {
		if patched, ok := s.pendingTokens[tk.ID]; ok {
			tk = patched
		}
		snap.Tokens = append(snap.Tokens, tk)
	}

	return snap
}

// notify runs listeners outside the lock with a consistent snapshot.
func (s *Store) notify() {
	s.mu.RLock()
	snap := s.snapshotLocked()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// ==================== Confirmed-state mutators (sync engine only) ====================

func (s *Store) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
	s.notify()
}

func (s *Store) setApproval(status model.MembershipStatus) {
	s.mu.Lock()
	s.approval = status
	s.mu.Unlock()
	s.notify()
}

func (s *Store) setNeedsCharacter(v bool) {
	s.mu.Lock()
	s.needsCharacter = v
	s.mu.Unlock()
	s.notify()
}

func (s *Store) replaceSession(sess model.Session) {
	s.mu.Lock()
	s.session = &sess
	s.mu.Unlock()
	s.notify()
}

// replaceCharacters swaps the confirmed roster. Pending patches for ids now
// confirmed are dropped: confirmed wins.
func (s *Store) replaceCharacters(chars []model.Character) {
	s.mu.Lock()
	s.characters = chars
	for _, ch := range chars {
		delete(s.pendingCharacters, ch.ID)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) replaceItems(items []model.Item) {
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	s.notify()
}

// replaceScene swaps the active scene and its token set together.
func (s *Store) replaceScene(scene *model.Scene, tokens []model.Token) {
	s.mu.Lock()
	s.scene = scene
	s.tokens = tokens
	s.pendingTokens = make(map[string]model.Token)
	s.mu.Unlock()
	s.notify()
}

// upsertToken applies a confirmed token change, scoped to the active scene.
func (s *Store) upsertToken(tk model.Token) {
	s.mu.Lock()
	if s.scene == nil || tk.SceneID != s.scene.ID {
		s.mu.Unlock()
		return
	}
	delete(s.pendingTokens, tk.ID)
	replaced := false
	for i := range s.tokens {
		if s.tokens[i].ID == tk.ID {
			s.tokens[i] = tk
			replaced = true
			break
		}
	}
	if !replaced {
		s.tokens = append(s.tokens, tk)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) removeToken(id string) {
	s.mu.Lock()
	delete(s.pendingTokens, id)
	for i := range s.tokens {
		if s.tokens[i].ID == id {
			s.tokens = append(s.tokens[:i], s.tokens[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) replaceMessages(msgs []model.Message) {
	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
	s.notify()
}

func (s *Store) replaceLogs(entries []model.CampaignLogEntry) {
	s.mu.Lock()
	s.logs = entries
	s.mu.Unlock()
	s.notify()
}

func (s *Store) appendMessage(m model.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) appendLog(entry model.CampaignLogEntry) {
	s.mu.Lock()
	s.logs = append(s.logs, entry)
	s.mu.Unlock()
	s.notify()
}

// ==================== Pending (optimistic) mutators ====================

// stageCharacter records an optimistic local patch for a character. The next
// confirmed roster refresh containing the id discards it.
func (s *Store) stageCharacter(ch model.Character) {
	s.mu.Lock()
	s.pendingCharacters[ch.ID] = ch
	s.mu.Unlock()
	s.notify()
}

// stageToken records an optimistic token move.
func (s *Store) stageToken(tk model.Token) {
	s.mu.Lock()
	s.pendingTokens[tk.ID] = tk
	s.mu.Unlock()
	s.notify()
}

// characterByID reads a character (pending overlay applied) from the cache.
func (s *Store) characterByID(id string) (model.Character, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ch, ok := s.pendingCharacters[id]; ok {
		return ch, true
	}
	for _, ch := range s.characters {
		if ch.ID == id {
			return ch, true
		}
	}
	return model.Character{}, false
}

func (s *Store) sessionSnapshot() (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return model.Session{}, false
	}
	cp := *s.session
	cp.TurnOrder = append([]model.TurnEntry(nil), s.session.TurnOrder...)
	return cp, true
}

func (s *Store) activeScene() (model.Scene, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scene == nil {
		return model.Scene{}, false
	}
	return *s.scene, true
}

func (s *Store) tokenByID(id string) (model.Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tk, ok := s.pendingTokens[id]; ok {
		return tk, true
	}
	for _, tk := range s.tokens {
		if tk.ID == id {
			return tk, true
		}
	}
	return model.Token{}, false
}
