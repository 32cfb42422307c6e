package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/auth"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/combat"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/dice"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/model"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/rules"
)

// Result is the outcome of a named operation, shaped for direct display.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func succeed(format string, args ...any) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// failWrite logs a store error and returns a generic failure. Store details
// never leak into chat-facing messages.
func (e *Engine) failWrite(op string, err error) Result {
	e.logger.Error("operation write failed", zap.String("operation", op), zap.Error(err))
	return fail("%s failed", op)
}

func (e *Engine) isGM() bool {
	sess, ok := e.store.sessionSnapshot()
	return ok && sess.GMID == e.userID
}

// canEdit reports whether the caller may mutate the character: its owner, or
// the GM for any character including NPCs.
func (e *Engine) canEdit(ch model.Character) bool {
	return e.isGM() || (!ch.NPC && ch.OwnerID == e.userID)
}

func (e *Engine) logEvent(ctx context.Context, kind, description string, payload map[string]any) {
	entry := model.CampaignLogEntry{
		ID:          uuid.NewString(),
		SessionID:   e.sessionID,
		Kind:        kind,
		Description: description,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.db.InsertLog(ctx, entry); err != nil {
		e.logger.Error("campaign log write failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (e *Engine) systemMessage(ctx context.Context, text string) {
	m := model.Message{
		ID:        uuid.NewString(),
		SessionID: e.sessionID,
		AuthorID:  e.userID,
		Kind:      model.MessageSystem,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.db.InsertMessage(ctx, m); err != nil {
		e.logger.Error("system message write failed", zap.Error(err))
	}
}

// ==================== Chat ====================

// SendMessage posts a text chat message, optionally attributed to one of the
// caller's characters.
func (e *Engine) SendMessage(ctx context.Context, characterID, text string) Result {
	if text == "" {
		return fail("empty message")
	}
	m := model.Message{
		ID:          uuid.NewString(),
		SessionID:   e.sessionID,
		AuthorID:    e.userID,
		CharacterID: characterID,
		Kind:        model.MessageText,
		Text:        text,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.db.InsertMessage(ctx, m); err != nil {
		return e.failWrite("send message", err)
	}
	return succeed("message sent")
}

// RollDice resolves a dice expression and posts the result to chat. Invalid
// expressions still post, carrying the zero result with its explanation.
func (e *Engine) RollDice(ctx context.Context, characterID, expression string, mode dice.Mode, threat int) Result {
	roll := e.roller.Roll(expression, mode, threat)
	m := model.Message{
		ID:          uuid.NewString(),
		SessionID:   e.sessionID,
		AuthorID:    e.userID,
		CharacterID: characterID,
		Kind:        model.MessageRoll,
		Roll: &model.RollPayload{
			Expression: expression,
			Total:      roll.Total,
			Faces:      roll.Faces,
			Critical:   roll.Critical,
			Detail:     roll.Detail,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := e.db.InsertMessage(ctx, m); err != nil {
		return e.failWrite("roll", err)
	}
	return succeed("rolled %d", roll.Total)
}

// ==================== Sheet ====================

// UpdateCurrentStats writes a character's current resource stats. Values
// above the derived maxima are rejected rather than clamped; death and
// madness flags follow vitality and sanity reaching zero.
func (e *Engine) UpdateCurrentStats(ctx context.Context, characterID string, stats model.StatBlock) Result {
	ch, found := e.store.characterByID(characterID)
	if !found {
		return fail("unknown character")
	}
	if !e.canEdit(ch) {
		return fail("not your character")
	}
	if stats.Vitality > ch.Max.Vitality || stats.Effort > ch.Max.Effort || stats.Sanity > ch.Max.Sanity {
		return fail("stats cannot exceed their maximum")
	}

	ch.Current = stats
	ch.Alive = stats.Vitality > 0
	ch.Sane = stats.Sanity > 0

	e.store.stageCharacter(ch)
	if err := e.db.UpdateCharacter(ctx, ch); err != nil {
		return e.failWrite("update stats", err)
	}
	return succeed("stats updated")
}

// IncreaseAttribute raises one attribute by a point, gated by the NEX tier
// cap. Maxima, carry capacity and rank are recomputed in the same write.
func (e *Engine) IncreaseAttribute(ctx context.Context, characterID, attribute string) Result {
	ch, found := e.store.characterByID(characterID)
	if !found {
		return fail("unknown character")
	}
	if !e.canEdit(ch) {
		return fail("not your character")
	}

	verdict := rules.CheckAttributeIncrease(ch, attribute, e.tables)
	if !verdict.Success {
		return Result{Success: false, Message: verdict.Message}
	}

	current, _ := ch.Attributes.Value(attribute)
	attrs, ok := ch.Attributes.WithValue(attribute, current+1)
	if !ok {
		return fail("unknown attribute %q", attribute)
	}
	ch.Attributes = attrs
	e.refreshDerived(&ch)

	e.store.stageCharacter(ch)
	if err := e.db.UpdateCharacter(ctx, ch); err != nil {
		return e.failWrite("increase attribute", err)
	}
	e.logEvent(ctx, "attribute_increase",
		fmt.Sprintf("%s raised %s to %d", ch.Name, attribute, current+1),
		map[string]any{"character_id": ch.ID, "attribute": attribute, "value": current + 1})
	return succeed("%s raised to %d", attribute, current+1)
}

// AdvanceNEX moves a character to a higher NEX percentage. Steps are
// multiples of five; maxima and rank follow.
func (e *Engine) AdvanceNEX(ctx context.Context, characterID string, nex int) Result {
	ch, found := e.store.characterByID(characterID)
	if !found {
		return fail("unknown character")
	}
	if !e.canEdit(ch) {
		return fail("not your character")
	}
	if nex <= ch.NEX || nex > 99 || nex%5 != 0 {
		return fail("NEX must advance in steps of 5, above %d and at most 95", ch.NEX)
	}

	oldRank := ch.Rank
	ch.NEX = nex
	e.refreshDerived(&ch)

	e.store.stageCharacter(ch)
	if err := e.db.UpdateCharacter(ctx, ch); err != nil {
		return e.failWrite("advance NEX", err)
	}
	desc := fmt.Sprintf("%s reached NEX %d%%", ch.Name, nex)
	if ch.Rank != oldRank {
		desc = fmt.Sprintf("%s, promoted to %s", desc, ch.Rank)
	}
	e.logEvent(ctx, "nex_advance", desc, map[string]any{"character_id": ch.ID, "nex": nex})
	return succeed("NEX %d%%", nex)
}

// AdvanceSurvivorStage moves a survivor-track character one stage forward.
func (e *Engine) AdvanceSurvivorStage(ctx context.Context, characterID string) Result {
	ch, found := e.store.characterByID(characterID)
	if !found {
		return fail("unknown character")
	}
	if !e.canEdit(ch) {
		return fail("not your character")
	}
	if e.tables.SurvivorClass == "" || ch.Class != e.tables.SurvivorClass {
		return fail("%s does not use the survivor track", ch.Name)
	}
	if ch.SurvivorStage >= 5 {
		return fail("survivor track already complete")
	}

	ch.SurvivorStage++
	e.refreshDerived(&ch)

	e.store.stageCharacter(ch)
	if err := e.db.UpdateCharacter(ctx, ch); err != nil {
		return e.failWrite("advance stage", err)
	}
	e.logEvent(ctx, "survivor_stage",
		fmt.Sprintf("%s reached stage %d", ch.Name, ch.SurvivorStage),
		map[string]any{"character_id": ch.ID, "stage": ch.SurvivorStage})
	return succeed("stage %d", ch.SurvivorStage)
}

// ChangeClass switches a character's class, gated by the survivor-track
// completion rule.
func (e *Engine) ChangeClass(ctx context.Context, characterID, newClass string) Result {
	ch, found := e.store.characterByID(characterID)
	if !found {
		return fail("unknown character")
	}
	if !e.canEdit(ch) {
		return fail("not your character")
	}
	if _, ok := e.tables.Classes[newClass]; !ok {
		return fail("unknown class %q", newClass)
	}

	verdict := rules.CheckClassChange(ch, newClass, e.tables.SurvivorClass)
	if !verdict.Success {
		return Result{Success: false, Message: verdict.Message}
	}

	ch.Class = newClass
	if newClass != e.tables.SurvivorClass {
		ch.SurvivorStage = 0
	}
	e.refreshDerived(&ch)

	e.store.stageCharacter(ch)
	if err := e.db.UpdateCharacter(ctx, ch); err != nil {
		return e.failWrite("change class", err)
	}
	e.logEvent(ctx, "class_change",
		fmt.Sprintf("%s is now %s", ch.Name, newClass),
		map[string]any{"character_id": ch.ID, "class": newClass})
	return succeed("class changed to %s", newClass)
}

// CharacterParams is the creation input for a player character.
type CharacterParams struct {
	Name       string             `json:"name"`
	Class      string             `json:"class"`
	Origin     string             `json:"origin"`
	NEX        int                `json:"nex"`
	Attributes model.AttributeSet `json:"attributes"`
}

// CreateCharacter creates the caller's character. Current stats start at the
// derived maxima.
func (e *Engine) CreateCharacter(ctx context.Context, params CharacterParams) Result {
	if params.Name == "" {
		return fail("character needs a name")
	}
	if _, ok := e.tables.Classes[params.Class]; !ok {
		return fail("unknown class %q", params.Class)
	}
	if params.NEX < 0 || params.NEX > 99 {
		return fail("NEX must be between 0 and 99")
	}
	if snap := e.store.Snapshot(); snap.Character != nil {
		return fail("you already have a character")
	}

	ch := model.Character{
		ID:         uuid.NewString(),
		OwnerID:    e.userID,
		SessionID:  e.sessionID,
		Name:       params.Name,
		Class:      params.Class,
		Origin:     params.Origin,
		NEX:        params.NEX,
		Attributes: params.Attributes,
		Alive:      true,
		Sane:       true,
	}
	if e.tables.SurvivorClass != "" && ch.Class == e.tables.SurvivorClass {
		ch.SurvivorStage = 1
	}
	e.refreshDerived(&ch)
	ch.Current = ch.Max

	if err := e.db.InsertCharacter(ctx, ch); err != nil {
		return e.failWrite("create character", err)
	}
	e.logEvent(ctx, "character_created",
		fmt.Sprintf("%s joined the table as %s", ch.Name, ch.Class),
		map[string]any{"character_id": ch.ID})
	return succeed("%s created", ch.Name)
}

// SpawnNPC instantiates a bestiary template as an NPC. An absent template
// fails without touching the store.
func (e *Engine) SpawnNPC(ctx context.Context, templateID, name string) Result {
	if !e.isGM() {
		return fail("only the GM can spawn creatures")
	}
	tpl, found := e.tables.Monster(templateID)
	if !found {
		return fail("unknown creature")
	}
	if name == "" {
		name = tpl.Name
	}

	ch := model.Character{
		ID:         uuid.NewString(),
		SessionID:  e.sessionID,
		Name:       name,
		Attributes: tpl.Attributes,
		Current:    tpl.Stats,
		Max:        tpl.Stats,
		Defense:    tpl.Defense,
		NPC:        true,
		Alive:      true,
		Sane:       true,
	}
	if err := e.db.InsertCharacter(ctx, ch); err != nil {
		return e.failWrite("spawn creature", err)
	}
	for _, gear := range tpl.Items {
		quantity := gear.Quantity
		if quantity < 1 {
			quantity = 1
		}
		item := model.Item{
			ID:          uuid.NewString(),
			CharacterID: ch.ID,
			Name:        gear.Name,
			Category:    gear.Category,
			Slots:       gear.Slots,
			Quantity:    quantity,
			Stats:       gear.Stats,
		}
		if err := e.db.InsertItem(ctx, item); err != nil {
			e.logger.Error("creature gear insert failed",
				zap.String("item", gear.Name),
				zap.Error(err),
			)
		}
	}
	e.logEvent(ctx, "npc_spawned",
		fmt.Sprintf("%s entered play (VD %d)", name, tpl.VD),
		map[string]any{"character_id": ch.ID, "template": templateID})
	return succeed("%s spawned", name)
}

// ==================== Inventory ====================

// GiveItem adds an item to a character's inventory. Slot overflow warns and
// flips the overloaded flag but never blocks the grant.
func (e *Engine) GiveItem(ctx context.Context, characterID string, item model.Item) Result {
	ch, found := e.store.characterByID(characterID)
	if !found {
		return fail("unknown character")
	}
	if !e.canEdit(ch) {
		return fail("not your character")
	}
	if item.Name == "" {
		return fail("item needs a name")
	}
	if item.Quantity < 1 {
		item.Quantity = 1
	}

	inventory, err := e.db.ListItems(ctx, characterID)
	if err != nil {
		return e.failWrite("give item", err)
	}
	used := 0
	for _, it := range inventory {
		used += it.Slots
	}

	verdict := rules.CheckItemAdd(ch, used, item)

	item.ID = uuid.NewString()
	item.CharacterID = characterID
	if err := e.db.InsertItem(ctx, item); err != nil {
		return e.failWrite("give item", err)
	}

	overloaded := verdict.Message == rules.OverloadedMessage
	if ch.Overloaded != overloaded {
		ch.Overloaded = overloaded
		e.store.stageCharacter(ch)
		if err := e.db.UpdateCharacter(ctx, ch); err != nil {
			e.logger.Error("overloaded flag write failed", zap.Error(err))
		}
	}

	e.logEvent(ctx, "item_given",
		fmt.Sprintf("%s received %s", ch.Name, item.Name),
		map[string]any{"character_id": ch.ID, "item": item.Name})
	if overloaded {
		return succeed("%s added, %s is overloaded", item.Name, ch.Name)
	}
	return succeed("%s added", item.Name)
}

// ConsumeItem spends one unit of an item, deleting the row when the last
// unit goes.
func (e *Engine) ConsumeItem(ctx context.Context, characterID, itemID string) Result {
	ch, found := e.store.characterByID(characterID)
	if !found {
		return fail("unknown character")
	}
	if !e.canEdit(ch) {
		return fail("not your character")
	}

	inventory, err := e.db.ListItems(ctx, characterID)
	if err != nil {
		return e.failWrite("consume item", err)
	}
	for _, item := range inventory {
		if item.ID != itemID {
			continue
		}
		if item.Quantity <= 1 {
			if err := e.db.DeleteItem(ctx, itemID); err != nil {
				return e.failWrite("consume item", err)
			}
			return succeed("%s used up", item.Name)
		}
		item.Quantity--
		if err := e.db.UpdateItem(ctx, item); err != nil {
			return e.failWrite("consume item", err)
		}
		return succeed("%s used, %d left", item.Name, item.Quantity)
	}
	return fail("item not in inventory")
}

// ==================== Rituals and attacks ====================

// CastRitual spends effort to cast a ritual, gated by circle NEX and current
// effort. The cast is announced in chat and logged.
func (e *Engine) CastRitual(ctx context.Context, characterID, ritualID string) Result {
	ch, found := e.store.characterByID(characterID)
	if !found {
		return fail("unknown character")
	}
	if !e.canEdit(ch) {
		return fail("not your character")
	}
	ritual, found := e.tables.Ritual(ritualID)
	if !found {
		return fail("unknown ritual")
	}

	verdict := rules.CheckRitualCast(ch, ritual)
	if !verdict.Success {
		return Result{Success: false, Message: verdict.Message}
	}

	ch.Current.Effort -= ritual.EffortCost
	if ch.Current.Effort < 0 {
		// GM override can cast past the pool; effort floors at zero.
		ch.Current.Effort = 0
	}
	e.store.stageCharacter(ch)
	if err := e.db.UpdateCharacter(ctx, ch); err != nil {
		return e.failWrite("cast ritual", err)
	}

	e.systemMessage(ctx, fmt.Sprintf("%s casts %s", ch.Name, ritual.Name))
	e.logEvent(ctx, "ritual_cast",
		fmt.Sprintf("%s cast %s (circle %d)", ch.Name, ritual.Name, ritual.Circle),
		map[string]any{"character_id": ch.ID, "ritual": ritualID})
	return succeed("%s cast for %d PE", ritual.Name, ritual.EffortCost)
}

// Attack rolls damage with a weapon item, consuming one round of ammunition
// when the weapon requires it. The weapon's stats map supplies "damage"
// (a dice expression) and optional "ammo_type".
func (e *Engine) Attack(ctx context.Context, characterID, weaponItemID string) Result {
	ch, found := e.store.characterByID(characterID)
	if !found {
		return fail("unknown character")
	}
	if !e.canEdit(ch) {
		return fail("not your character")
	}

	inventory, err := e.db.ListItems(ctx, characterID)
	if err != nil {
		return e.failWrite("attack", err)
	}
	var weaponItem *model.Item
	for i := range inventory {
		if inventory[i].ID == weaponItemID {
			weaponItem = &inventory[i]
			break
		}
	}
	if weaponItem == nil {
		return fail("weapon not in inventory")
	}

	weapon := rules.Weapon{Name: weaponItem.Name}
	if ammo, ok := weaponItem.Stats["ammo_type"].(string); ok {
		weapon.AmmoType = ammo
	}
	damageExpr, _ := weaponItem.Stats["damage"].(string)
	if damageExpr == "" {
		return fail("%s has no damage profile", weaponItem.Name)
	}

	verdict := rules.CheckAttack(ch, weapon, inventory)
	if !verdict.Success {
		return Result{Success: false, Message: verdict.Message}
	}

	if weapon.AmmoType != "" && !ch.GMOverride {
		for _, item := range inventory {
			if item.Category != "ammunition" || item.Name != weapon.AmmoType {
				continue
			}
			if item.Quantity <= 1 {
				if err := e.db.DeleteItem(ctx, item.ID); err != nil {
					return e.failWrite("attack", err)
				}
			} else {
				item.Quantity--
				if err := e.db.UpdateItem(ctx, item); err != nil {
					return e.failWrite("attack", err)
				}
			}
			break
		}
	}

	roll := e.roller.Roll(damageExpr, dice.ModeDamage, 0)
	m := model.Message{
		ID:          uuid.NewString(),
		SessionID:   e.sessionID,
		AuthorID:    e.userID,
		CharacterID: ch.ID,
		Kind:        model.MessageRoll,
		Text:        fmt.Sprintf("%s attacks with %s", ch.Name, weapon.Name),
		Roll: &model.RollPayload{
			Expression: damageExpr,
			Total:      roll.Total,
			Faces:      roll.Faces,
			Detail:     roll.Detail,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := e.db.InsertMessage(ctx, m); err != nil {
		return e.failWrite("attack", err)
	}
	return succeed("%d damage with %s", roll.Total, weapon.Name)
}

// ==================== Scenes and tokens ====================

// CreateScene uploads a background and creates a scene, optionally
// activating it immediately. A failed upload degrades to an ephemeral
// reference rather than blocking the table.
func (e *Engine) CreateScene(ctx context.Context, name string, background []byte, gridSize int, activate bool) Result {
	if !e.isGM() {
		return fail("only the GM can create scenes")
	}
	if gridSize < 1 {
		gridSize = 50
	}

	sceneID := uuid.NewString()
	ref := ""
	if len(background) > 0 && e.blobs != nil {
		blobName := sceneID
		if name != "" {
			blobName = fmt.Sprintf("%s-%s", sceneID, name)
		}
		uploaded, err := e.blobs.Upload(ctx, e.bucket, blobName, background)
		if err != nil {
			return e.failWrite("upload background", err)
		}
		ref = uploaded
	}

	sc := model.Scene{
		ID:         sceneID,
		SessionID:  e.sessionID,
		Background: ref,
		GridSize:   gridSize,
	}
	if err := e.db.InsertScene(ctx, sc); err != nil {
		return e.failWrite("create scene", err)
	}
	if activate {
		if err := e.db.ActivateScene(ctx, e.sessionID, sceneID); err != nil {
			return e.failWrite("activate scene", err)
		}
	}
	e.logEvent(ctx, "scene_created", "a new scene was prepared", map[string]any{"scene_id": sceneID})
	return succeed("scene created")
}

// ActivateScene makes the given scene the session's active one, dropping the
// previous scene's tokens.
func (e *Engine) ActivateScene(ctx context.Context, sceneID string) Result {
	if !e.isGM() {
		return fail("only the GM can switch scenes")
	}
	if err := e.db.ActivateScene(ctx, e.sessionID, sceneID); err != nil {
		return e.failWrite("activate scene", err)
	}
	e.logEvent(ctx, "scene_activated", "the table moved to a new scene", map[string]any{"scene_id": sceneID})
	return succeed("scene activated")
}

// PlaceToken puts a character marker on the active scene.
func (e *Engine) PlaceToken(ctx context.Context, characterID string, x, y int) Result {
	scene, hasScene := e.store.activeScene()
	if !hasScene {
		return fail("no active scene")
	}
	ch, found := e.store.characterByID(characterID)
	if !found {
		return fail("unknown character")
	}
	if !e.canEdit(ch) {
		return fail("not your character")
	}

	tk := model.Token{
		ID:          uuid.NewString(),
		SceneID:     scene.ID,
		CharacterID: characterID,
		X:           x,
		Y:           y,
		Size:        1,
		Visible:     true,
	}
	if err := e.db.UpsertToken(ctx, tk); err != nil {
		return e.failWrite("place token", err)
	}
	return succeed("%s placed", ch.Name)
}

// MoveToken moves a token on the active scene. The move is staged locally
// for immediate feedback; the feed confirmation replaces it.
func (e *Engine) MoveToken(ctx context.Context, tokenID string, x, y int) Result {
	tk, found := e.store.tokenByID(tokenID)
	if !found {
		return fail("unknown token")
	}
	if ch, ok := e.store.characterByID(tk.CharacterID); ok && !e.canEdit(ch) {
		return fail("not your token")
	}

	tk.X = x
	tk.Y = y
	e.store.stageToken(tk)
	if err := e.db.UpsertToken(ctx, tk); err != nil {
		return e.failWrite("move token", err)
	}
	return succeed("token moved")
}

// RemoveToken deletes a token from the active scene.
func (e *Engine) RemoveToken(ctx context.Context, tokenID string) Result {
	if !e.isGM() {
		return fail("only the GM can remove tokens")
	}
	if _, found := e.store.tokenByID(tokenID); !found {
		return fail("unknown token")
	}
	if err := e.db.DeleteToken(ctx, tokenID); err != nil {
		return e.failWrite("remove token", err)
	}
	return succeed("token removed")
}

// ==================== Combat ====================

// StartCombat rolls initiative for every character at the table and persists
// the resulting order on the session.
func (e *Engine) StartCombat(ctx context.Context) Result {
	if !e.isGM() {
		return fail("only the GM can start combat")
	}

	snap := e.store.Snapshot()
	roster := make([]combat.Combatant, 0, len(snap.Characters))
	for _, ch := range snap.Characters {
		roster = append(roster, combat.Combatant{ID: ch.ID, Name: ch.Name, Agility: ch.Attributes.Agility})
	}
	e.mu.Lock()
	change, err := e.tracker.Start(roster, e.roller)
	e.mu.Unlock()
	if errors.Is(err, combat.ErrNoCombatants) {
		return fail("no combatants at the table")
	}
	if err != nil {
		return fail("combat already active")
	}

	return e.persistCombat(ctx, change)
}

// NextTurn advances the initiative order, wrapping into a new round.
func (e *Engine) NextTurn(ctx context.Context) Result {
	if !e.isGM() {
		return fail("only the GM can advance turns")
	}

	e.mu.Lock()
	change, err := e.tracker.Next()
	e.mu.Unlock()
	if err != nil {
		return fail("combat not active")
	}

	return e.persistCombat(ctx, change)
}

// EndCombat clears the initiative order and returns the session to idle.
func (e *Engine) EndCombat(ctx context.Context) Result {
	if !e.isGM() {
		return fail("only the GM can end combat")
	}

	e.mu.Lock()
	change, err := e.tracker.End()
	e.mu.Unlock()
	if err != nil {
		return fail("combat not active")
	}

	return e.persistCombat(ctx, change)
}

// persistCombat serializes the tracker onto the session row and announces
// the transition.
func (e *Engine) persistCombat(ctx context.Context, change combat.Change) Result {
	sess, ok := e.store.sessionSnapshot()
	if !ok {
		return fail("session not loaded")
	}

	e.mu.Lock()
	sess.CombatActive = e.tracker.State() == combat.StateActive
	sess.TurnOrder = e.tracker.Order()
	sess.TurnIndex = e.tracker.Index()
	sess.Round = e.tracker.Round()
	e.mu.Unlock()

	if err := e.db.UpdateSession(ctx, sess); err != nil {
		return e.failWrite("combat update", err)
	}

	e.systemMessage(ctx, change.Description)
	e.logEvent(ctx, "combat", change.Description, map[string]any{
		"round": change.Round,
		"index": change.Index,
	})
	return succeed("%s", change.Description)
}

// ==================== Membership ====================

// JoinWithCode verifies the session's join code and approves the caller
// immediately, skipping the GM approval queue.
func (e *Engine) JoinWithCode(ctx context.Context, code string) Result {
	sess, err := e.db.GetSession(ctx, e.sessionID)
	if err != nil {
		return e.failWrite("join", err)
	}
	if !auth.VerifyJoinCode(sess.JoinCodeHash, code) {
		return fail("wrong join code")
	}
	m := model.Membership{SessionID: e.sessionID, UserID: e.userID, Status: model.MembershipApproved}
	if err := e.db.UpsertMembership(ctx, m); err != nil {
		return e.failWrite("join", err)
	}
	return succeed("joined the table")
}

// ApproveMember lets the GM approve a pending join request.
func (e *Engine) ApproveMember(ctx context.Context, userID string) Result {
	return e.resolveMembership(ctx, userID, model.MembershipApproved)
}

// RejectMember lets the GM reject a join request.
func (e *Engine) RejectMember(ctx context.Context, userID string) Result {
	return e.resolveMembership(ctx, userID, model.MembershipRejected)
}

func (e *Engine) resolveMembership(ctx context.Context, userID string, status model.MembershipStatus) Result {
	if !e.isGM() {
		return fail("only the GM can resolve join requests")
	}
	if _, found, err := e.db.GetMembership(ctx, e.sessionID, userID); err != nil {
		return e.failWrite("resolve membership", err)
	} else if !found {
		return fail("no join request from that user")
	}

	m := model.Membership{SessionID: e.sessionID, UserID: userID, Status: status}
	if err := e.db.UpsertMembership(ctx, m); err != nil {
		return e.failWrite("resolve membership", err)
	}
	e.logEvent(ctx, "membership",
		fmt.Sprintf("join request %s", status),
		map[string]any{"user_id": userID, "status": string(status)})
	return succeed("request %s", status)
}

// SetGMOverride toggles the rule-bypass flag on a character. GM only.
func (e *Engine) SetGMOverride(ctx context.Context, characterID string, enabled bool) Result {
	if !e.isGM() {
		return fail("only the GM can override rules")
	}
	ch, found := e.store.characterByID(characterID)
	if !found {
		return fail("unknown character")
	}

	ch.GMOverride = enabled
	e.store.stageCharacter(ch)
	if err := e.db.UpdateCharacter(ctx, ch); err != nil {
		return e.failWrite("set override", err)
	}
	if enabled {
		return succeed("override enabled for %s", ch.Name)
	}
	return succeed("override disabled for %s", ch.Name)
}
