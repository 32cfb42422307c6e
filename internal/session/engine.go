package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/combat"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/dice"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/model"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/progression"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/storage"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/store"
)

// refreshTimeout bounds the re-fetches triggered by feed events.
const refreshTimeout = 5 * time.Second

// EngineConfig wires an Engine's collaborators. All fields except Blobs are
// required.
type EngineConfig struct {
	DB     store.EntityStore
	Feed   store.ChangeFeed
	Blobs  storage.BlobStore
	Tables *progression.Tables
	Roller *dice.Roller
	Logger *zap.Logger

	SessionID string
	UserID    string

	MessageBacklog int
	LogBacklog     int
	Bucket         string
}

// Validate checks the configuration.
func (c EngineConfig) Validate() error {
	if c.DB == nil {
		return fmt.Errorf("entity store is required")
	}
	if c.Feed == nil {
		return fmt.Errorf("change feed is required")
	}
	if c.Tables == nil {
		return fmt.Errorf("rule tables are required")
	}
	if c.Roller == nil {
		return fmt.Errorf("dice roller is required")
	}
	if c.SessionID == "" || c.UserID == "" {
		return fmt.Errorf("session id and user id are required")
	}
	return nil
}

// Engine is the per-user session engine: it loads the initial snapshot,
// merges confirmed change events into the cache, and exposes the named
// operations. One Engine per (user, session) pair.
type Engine struct {
	logger *zap.Logger
	db     store.EntityStore
	feed   store.ChangeFeed
	blobs  storage.BlobStore
	tables *progression.Tables
	roller *dice.Roller

	sessionID string
	userID    string

	store          *Store
	messageBacklog int
	logBacklog     int
	bucket         string

	mu            sync.Mutex
	tracker       *combat.Tracker
	myCharacterID string
	loaded        bool
	cancelSub     func()
	done          chan struct{}
}

// NewEngine creates an engine. Call Initialize to load state and start
// merging changes.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	messageBacklog := cfg.MessageBacklog
	if messageBacklog < 1 {
		messageBacklog = 100
	}
	logBacklog := cfg.LogBacklog
	if logBacklog < 1 {
		logBacklog = 50
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "scenes"
	}

	return &Engine{
		logger:         logger.With(zap.String("session_id", cfg.SessionID), zap.String("user_id", cfg.UserID)),
		db:             cfg.DB,
		feed:           cfg.Feed,
		blobs:          cfg.Blobs,
		tables:         cfg.Tables,
		roller:         cfg.Roller,
		sessionID:      cfg.SessionID,
		userID:         cfg.UserID,
		store:          NewStore(cfg.UserID),
		messageBacklog: messageBacklog,
		logBacklog:     logBacklog,
		bucket:         bucket,
		tracker:        combat.NewTracker(),
	}, nil
}

// Store exposes the reactive cache for subscription and snapshots.
func (e *Engine) Store() *Store { return e.store }

// Initialize resolves the caller's membership and, when approved, loads the
// full session snapshot and subscribes to the change feed. Non-members get a
// pending request created for them; pending and rejected members see only
// their approval status until a membership event flips it.
func (e *Engine) Initialize(ctx context.Context) error {
	sess, err := e.db.GetSession(ctx, e.sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	// The GM is a member by definition.
	if e.userID != sess.GMID {
		membership, found, err := e.db.GetMembership(ctx, e.sessionID, e.userID)
		if err != nil {
			return fmt.Errorf("load membership: %w", err)
		}
		if !found {
			membership = model.Membership{
				SessionID: e.sessionID,
				UserID:    e.userID,
				Status:    model.MembershipPending,
			}
			if err := e.db.UpsertMembership(ctx, membership); err != nil {
				return fmt.Errorf("request membership: %w", err)
			}
			e.logger.Info("membership requested")
		}
		e.store.setApproval(membership.Status)
		if membership.Status != model.MembershipApproved {
			if err := e.subscribeToChanges(ctx); err != nil {
				return err
			}
			e.store.setLoading(false)
			return nil
		}
	} else {
		e.store.setApproval(model.MembershipApproved)
	}

	if err := e.load(ctx, sess); err != nil {
		return err
	}
	if err := e.subscribeToChanges(ctx); err != nil {
		return err
	}
	e.store.setLoading(false)
	return nil
}

// load fills the cache from the entity store. Players without a character yet
// get the needs-character flag and loading stops before scene and log data.
func (e *Engine) load(ctx context.Context, sess model.Session) error {
	e.store.replaceSession(sess)

	chars, err := e.db.ListCharacters(ctx, e.sessionID)
	if err != nil {
		return fmt.Errorf("load characters: %w", err)
	}
	mine := e.adoptRoster(chars, sess)

	if mine == "" && e.userID != sess.GMID {
		e.store.setNeedsCharacter(true)
		e.logger.Info("no character yet, waiting for creation")
		return nil
	}
	e.store.setNeedsCharacter(false)

	if mine != "" {
		items, err := e.db.ListItems(ctx, mine)
		if err != nil {
			return fmt.Errorf("load items: %w", err)
		}
		e.store.replaceItems(items)
	}

	if err := e.refreshScene(ctx); err != nil {
		return err
	}

	messages, err := e.db.ListMessages(ctx, e.sessionID, e.messageBacklog)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	e.store.replaceMessages(messages)

	logs, err := e.db.ListLogs(ctx, e.sessionID, e.logBacklog)
	if err != nil {
		return fmt.Errorf("load campaign log: %w", err)
	}
	e.store.replaceLogs(logs)

	e.mu.Lock()
	e.loaded = true
	e.mu.Unlock()
	return nil
}

// adoptRoster recomputes derived stats for every character, stores the
// roster, rebuilds the combat tracker from the session snapshot and returns
// the caller's character id.
func (e *Engine) adoptRoster(chars []model.Character, sess model.Session) string {
	mine := ""
	names := make(map[string]string, len(chars))
	for i := range chars {
		e.refreshDerived(&chars[i])
		names[chars[i].ID] = chars[i].Name
		if !chars[i].NPC && chars[i].OwnerID == e.userID {
			mine = chars[i].ID
		}
	}
	e.store.replaceCharacters(chars)

	e.mu.Lock()
	e.myCharacterID = mine
	if sess.CombatActive {
		e.tracker = combat.Resume(sess.TurnOrder, sess.TurnIndex, sess.Round, names)
	} else {
		e.tracker = combat.NewTracker()
	}
	e.mu.Unlock()
	return mine
}

// refreshDerived recomputes maxima, carry capacity and rank in place. An
// unknown class leaves the stored values untouched.
func (e *Engine) refreshDerived(ch *model.Character) {
	derived, err := e.tables.DeriveMaxStats(*ch)
	if err != nil {
		e.logger.Warn("derive stats failed",
			zap.String("character_id", ch.ID),
			zap.Error(err),
		)
		return
	}
	ch.Max = model.StatBlock{Vitality: derived.Vitality, Effort: derived.Effort, Sanity: derived.Sanity}
	ch.CarryMax = derived.CarryCapacity
	ch.Rank = e.tables.RankFor(ch.NEX)
}

// refreshScene re-reads the active scene and its tokens.
func (e *Engine) refreshScene(ctx context.Context) error {
	scene, found, err := e.db.ActiveScene(ctx, e.sessionID)
	if err != nil {
		return fmt.Errorf("load scene: %w", err)
	}
	if !found {
		e.store.replaceScene(nil, nil)
		return nil
	}
	tokens, err := e.db.ListTokens(ctx, scene.ID)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	e.store.replaceScene(&scene, tokens)
	return nil
}

// subscribeToChanges attaches this engine's own feed subscription and starts
// the merge goroutine. A no-op while a subscription is already live. When the
// feed closes the channel, the goroutine clears the subscription state so a
// later Resync can attach again.
func (e *Engine) subscribeToChanges(ctx context.Context) error {
	e.mu.Lock()
	if e.cancelSub != nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	events, cancel, err := e.feed.Subscribe(ctx, e.sessionID)
	if err != nil {
		return fmt.Errorf("subscribe to changes: %w", err)
	}

	done := make(chan struct{})
	e.mu.Lock()
	if e.cancelSub != nil {
		e.mu.Unlock()
		cancel()
		return nil
	}
	e.cancelSub = cancel
	e.done = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range events {
			e.apply(ev)
		}
		e.mu.Lock()
		if e.done == done {
			e.cancelSub = nil
			e.done = nil
		}
		e.mu.Unlock()
		e.logger.Info("change feed subscription ended")
	}()
	return nil
}

// Unsubscribe detaches this engine's feed subscription and waits for the
// merge goroutine to stop. Idempotent: a second call is a no-op.
func (e *Engine) Unsubscribe() {
	e.mu.Lock()
	cancel := e.cancelSub
	done := e.done
	e.cancelSub = nil
	e.done = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Resync tears down any live subscription, re-fetches every entity category
// from the store and attaches a fresh subscription. Used after a dropped feed
// connection, since missed events are never replayed.
func (e *Engine) Resync(ctx context.Context) error {
	e.logger.Info("resyncing session state")
	e.Unsubscribe()
	e.store.setLoading(true)

	// A still-unapproved caller has nothing to re-fetch; only the
	// membership watch is re-established.
	if e.store.Snapshot().ApprovalStatus == model.MembershipApproved {
		sess, err := e.db.GetSession(ctx, e.sessionID)
		if err != nil {
			return fmt.Errorf("resync session: %w", err)
		}
		if err := e.load(ctx, sess); err != nil {
			return err
		}
	}
	if err := e.subscribeToChanges(ctx); err != nil {
		return err
	}
	e.store.setLoading(false)
	return nil
}

// ==================== Feed event merging ====================

// apply merges one confirmed change into the cache. Re-fetches triggered
// here run on a background context so a slow store cannot stall the caller's
// request contexts.
func (e *Engine) apply(ev store.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	// Until the full load has run, the caller is either unapproved or an
	// approved player still at the needs-character gate. Unapproved callers
	// may only learn about their own membership; the gated player
	// additionally needs roster changes so character creation can finish
	// the load. Everything else stays out of the cache.
	e.mu.Lock()
	loaded := e.loaded
	e.mu.Unlock()
	if !loaded {
		switch ev.Collection {
		case store.CollectionMemberships:
			e.applyMembership(ctx, ev)
		case store.CollectionCharacters:
			if e.store.Snapshot().ApprovalStatus == model.MembershipApproved {
				e.applyCharacters(ctx)
			}
		}
		return
	}

	switch ev.Collection {
	case store.CollectionSessions:
		e.applySession(ev)
	case store.CollectionCharacters:
		e.applyCharacters(ctx)
	case store.CollectionItems:
		e.applyItem(ctx, ev)
	case store.CollectionScenes:
		e.applyScene(ctx, ev)
	case store.CollectionTokens:
		e.applyToken(ev)
	case store.CollectionMessages:
		if ev.Type == store.EventInsert && ev.Message != nil {
			e.store.appendMessage(*ev.Message)
		}
	case store.CollectionCampaignLogs:
		if ev.Type == store.EventInsert && ev.Log != nil {
			e.store.appendLog(*ev.Log)
		}
	case store.CollectionMemberships:
		e.applyMembership(ctx, ev)
	}
}

func (e *Engine) applySession(ev store.Event) {
	if ev.Session == nil {
		return
	}
	sess := *ev.Session
	e.store.replaceSession(sess)

	names := make(map[string]string)
	for _, ch := range e.store.Snapshot().Characters {
		names[ch.ID] = ch.Name
	}
	e.mu.Lock()
	if sess.CombatActive {
		e.tracker = combat.Resume(sess.TurnOrder, sess.TurnIndex, sess.Round, names)
	} else {
		e.tracker = combat.NewTracker()
	}
	e.mu.Unlock()
}

// applyCharacters refreshes the full roster on any character change. The
// roster is small; a single list query is simpler than patching and keeps
// derived stats consistent.
func (e *Engine) applyCharacters(ctx context.Context) {
	chars, err := e.db.ListCharacters(ctx, e.sessionID)
	if err != nil {
		e.logger.Error("refresh characters failed", zap.Error(err))
		return
	}
	sess, ok := e.store.sessionSnapshot()
	if !ok {
		return
	}
	mine := e.adoptRoster(chars, sess)
	if mine == "" {
		return
	}
	e.store.setNeedsCharacter(false)

	// A character appearing for a player whose load stopped at the
	// needs-character gate completes the deferred load.
	e.mu.Lock()
	pendingLoad := !e.loaded
	e.mu.Unlock()
	if pendingLoad {
		if err := e.load(ctx, sess); err != nil {
			e.logger.Error("load after character creation failed", zap.Error(err))
		}
	}
}

func (e *Engine) applyItem(ctx context.Context, ev store.Event) {
	e.mu.Lock()
	mine := e.myCharacterID
	e.mu.Unlock()
	if mine == "" {
		return
	}
	// Deletes carry only the row id, so refresh unconditionally for them.
	if ev.Item != nil && ev.Item.CharacterID != mine {
		return
	}
	items, err := e.db.ListItems(ctx, mine)
	if err != nil {
		e.logger.Error("refresh items failed", zap.Error(err))
		return
	}
	e.store.replaceItems(items)
}

func (e *Engine) applyScene(ctx context.Context, ev store.Event) {
	current, hasCurrent := e.store.activeScene()

	switch ev.Type {
	case store.EventInsert, store.EventUpdate:
		if ev.Scene == nil {
			return
		}
		if ev.Scene.Active {
			tokens, err := e.db.ListTokens(ctx, ev.Scene.ID)
			if err != nil {
				e.logger.Error("load scene tokens failed", zap.Error(err))
				return
			}
			sc := *ev.Scene
			e.store.replaceScene(&sc, tokens)
			return
		}
		if hasCurrent && ev.Scene.ID == current.ID {
			// The active scene was deactivated; another activation event may
			// follow, but until then the table has no scene.
			e.store.replaceScene(nil, nil)
		}
	case store.EventDelete:
		if hasCurrent && ev.OldID == current.ID {
			if err := e.refreshScene(ctx); err != nil {
				e.logger.Error("refresh scene failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) applyToken(ev store.Event) {
	switch ev.Type {
	case store.EventInsert, store.EventUpdate:
		if ev.Token != nil {
			e.store.upsertToken(*ev.Token)
		}
	case store.EventDelete:
		e.store.removeToken(ev.OldID)
	}
}

// applyMembership tracks the caller's own approval. An approval arriving
// after a pending start triggers the full load that Initialize skipped.
func (e *Engine) applyMembership(ctx context.Context, ev store.Event) {
	if ev.Membership == nil || ev.Membership.UserID != e.userID {
		return
	}
	e.store.setApproval(ev.Membership.Status)
	if ev.Membership.Status != model.MembershipApproved {
		return
	}

	e.mu.Lock()
	alreadyLoaded := e.loaded
	e.mu.Unlock()
	if alreadyLoaded {
		return
	}

	sess, err := e.db.GetSession(ctx, e.sessionID)
	if err != nil {
		e.logger.Error("load after approval failed", zap.Error(err))
		return
	}
	if err := e.load(ctx, sess); err != nil {
		e.logger.Error("load after approval failed", zap.Error(err))
		return
	}
	e.store.setLoading(false)
	e.logger.Info("membership approved, session loaded")
}
