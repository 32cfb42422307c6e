package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/auth"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/dice"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/model"
)

func TestSendMessage(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)
	ctx := context.Background()

	res := rig.engine.SendMessage(ctx, playerCharID, "vamos lá")
	require.True(t, res.Success)

	m, ok := rig.db.lastMessage()
	require.True(t, ok)
	assert.Equal(t, model.MessageText, m.Kind)
	assert.Equal(t, "vamos lá", m.Text)
	assert.Equal(t, playerUserID, m.AuthorID)

	assert.False(t, rig.engine.SendMessage(ctx, "", "").Success)
}

func TestRollDice_PostsRollMessage(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)

	res := rig.engine.RollDice(context.Background(), playerCharID, "3d20+2", dice.ModeAttribute, 0)
	require.True(t, res.Success)

	m, ok := rig.db.lastMessage()
	require.True(t, ok)
	assert.Equal(t, model.MessageRoll, m.Kind)
	require.NotNil(t, m.Roll)
	assert.Equal(t, "3d20+2", m.Roll.Expression)
	assert.Len(t, m.Roll.Faces, 3)
}

func TestRollDice_InvalidExpressionStillPosts(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)

	res := rig.engine.RollDice(context.Background(), playerCharID, "banana", dice.ModeDamage, 0)
	require.True(t, res.Success)

	m, _ := rig.db.lastMessage()
	require.NotNil(t, m.Roll)
	assert.Zero(t, m.Roll.Total)
	assert.Contains(t, m.Roll.Detail, "invalid expression")
}

func TestUpdateCurrentStats(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)
	ctx := context.Background()

	res := rig.engine.UpdateCurrentStats(ctx, playerCharID, model.StatBlock{Vitality: 10, Effort: 3, Sanity: 15})
	require.True(t, res.Success, res.Message)

	// Staged locally before the feed confirms.
	snap := rig.engine.Store().Snapshot()
	assert.Equal(t, 10, snap.Character.Current.Vitality)

	ch, err := rig.db.GetCharacter(ctx, playerCharID)
	require.NoError(t, err)
	assert.Equal(t, 10, ch.Current.Vitality)
	assert.True(t, ch.Alive)
}

func TestUpdateCurrentStats_RejectsAboveMax(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)

	res := rig.engine.UpdateCurrentStats(context.Background(), playerCharID, model.StatBlock{Vitality: 999})
	assert.False(t, res.Success)
}

func TestUpdateCurrentStats_ZeroVitalityDropsAliveFlag(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)

	res := rig.engine.UpdateCurrentStats(context.Background(), playerCharID, model.StatBlock{Vitality: 0, Effort: 1, Sanity: 5})
	require.True(t, res.Success)

	ch, err := rig.db.GetCharacter(context.Background(), playerCharID)
	require.NoError(t, err)
	assert.False(t, ch.Alive)
	assert.True(t, ch.Sane)
}

func TestUpdateCurrentStats_OtherPlayersCharacterDenied(t *testing.T) {
	rig := newRig(t, "player-2")
	rig.db.memberships[membershipKey(testSessionID, "player-2")] = model.Membership{
		SessionID: testSessionID, UserID: "player-2", Status: model.MembershipApproved,
	}
	rig.db.characters["ch-2"] = model.Character{
		ID: "ch-2", OwnerID: "player-2", SessionID: testSessionID,
		Name: "Dante", Class: "combatente", Alive: true, Sane: true,
	}
	rig.initialize(t)

	res := rig.engine.UpdateCurrentStats(context.Background(), playerCharID, model.StatBlock{Vitality: 1})
	assert.False(t, res.Success)
	assert.Equal(t, "not your character", res.Message)
}

func TestIncreaseAttribute(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)
	ctx := context.Background()

	// vigor 3, cap 4 at NEX 25: one step allowed.
	res := rig.engine.IncreaseAttribute(ctx, playerCharID, "vig")
	require.True(t, res.Success, res.Message)

	ch, err := rig.db.GetCharacter(ctx, playerCharID)
	require.NoError(t, err)
	assert.Equal(t, 4, ch.Attributes.Vigor)
	// Maxima follow the attribute in the same write: 20+4 + 4*(4+4) = 56.
	assert.Equal(t, 56, ch.Max.Vitality)

	res = rig.engine.IncreaseAttribute(ctx, playerCharID, "vig")
	assert.False(t, res.Success)
}

func TestAdvanceNEX(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)
	ctx := context.Background()

	assert.False(t, rig.engine.AdvanceNEX(ctx, playerCharID, 23).Success) // not a step of 5
	assert.False(t, rig.engine.AdvanceNEX(ctx, playerCharID, 20).Success) // backwards

	res := rig.engine.AdvanceNEX(ctx, playerCharID, 30)
	require.True(t, res.Success, res.Message)
	ch, err := rig.db.GetCharacter(ctx, playerCharID)
	require.NoError(t, err)
	assert.Equal(t, 30, ch.NEX)
	assert.Equal(t, "Operador", ch.Rank)
}

func TestChangeClass_SurvivorGate(t *testing.T) {
	rig := newRig(t, playerUserID)
	ch := rig.db.characters[playerCharID]
	ch.Class = "sobrevivente"
	ch.SurvivorStage = 3
	rig.db.characters[playerCharID] = ch
	rig.initialize(t)
	ctx := context.Background()

	res := rig.engine.ChangeClass(ctx, playerCharID, "combatente")
	assert.False(t, res.Success)

	for i := 0; i < 2; i++ {
		require.True(t, rig.engine.AdvanceSurvivorStage(ctx, playerCharID).Success)
	}
	assert.False(t, rig.engine.AdvanceSurvivorStage(ctx, playerCharID).Success)

	res = rig.engine.ChangeClass(ctx, playerCharID, "combatente")
	require.True(t, res.Success, res.Message)
	updated, err := rig.db.GetCharacter(ctx, playerCharID)
	require.NoError(t, err)
	assert.Equal(t, "combatente", updated.Class)
	assert.Zero(t, updated.SurvivorStage)
}

func TestCreateCharacter(t *testing.T) {
	rig := newRig(t, "player-2")
	rig.db.memberships[membershipKey(testSessionID, "player-2")] = model.Membership{
		SessionID: testSessionID, UserID: "player-2", Status: model.MembershipApproved,
	}
	rig.initialize(t)
	ctx := context.Background()

	assert.False(t, rig.engine.CreateCharacter(ctx, CharacterParams{Name: "X", Class: "mago"}).Success)
	assert.False(t, rig.engine.CreateCharacter(ctx, CharacterParams{Class: "combatente"}).Success)

	res := rig.engine.CreateCharacter(ctx, CharacterParams{
		Name:       "Elizabeth Webber",
		Class:      "sobrevivente",
		NEX:        0,
		Attributes: model.AttributeSet{Presence: 2, Vigor: 1},
	})
	require.True(t, res.Success, res.Message)

	chars, err := rig.db.ListCharacters(ctx, testSessionID)
	require.NoError(t, err)
	require.Len(t, chars, 2)
	for _, ch := range chars {
		if ch.OwnerID != "player-2" {
			continue
		}
		assert.Equal(t, 1, ch.SurvivorStage)
		assert.Equal(t, ch.Max, ch.Current)
		assert.True(t, ch.Alive)
	}
}

func TestSpawnNPC(t *testing.T) {
	rig := newRig(t, gmUserID)
	rig.initialize(t)
	ctx := context.Background()

	assert.False(t, rig.engine.SpawnNPC(ctx, "dragao", "").Success)

	res := rig.engine.SpawnNPC(ctx, "zumbi", "Zumbi do Porão")
	require.True(t, res.Success, res.Message)

	chars, err := rig.db.ListCharacters(ctx, testSessionID)
	require.NoError(t, err)
	require.Len(t, chars, 2)
	for _, ch := range chars {
		if !ch.NPC {
			continue
		}
		assert.Equal(t, "Zumbi do Porão", ch.Name)
		assert.Empty(t, ch.OwnerID)
		assert.Equal(t, 30, ch.Max.Vitality)

		// Template gear comes with the creature.
		items, err := rig.db.ListItems(ctx, ch.ID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "Garras", items[0].Name)
		assert.Equal(t, 1, items[0].Quantity)
	}
}

func TestSpawnNPC_PlayersDenied(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)

	res := rig.engine.SpawnNPC(context.Background(), "zumbi", "")
	assert.False(t, res.Success)
}

func TestGiveItem_OverloadWarnsButGrants(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)
	ctx := context.Background()

	// CarryMax is 15 (strength 2): 14 slots fit, 4 more overflow.
	res := rig.engine.GiveItem(ctx, playerCharID, model.Item{Name: "mochila", Slots: 14})
	require.True(t, res.Success)

	res = rig.engine.GiveItem(ctx, playerCharID, model.Item{Name: "machado", Slots: 4})
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "overloaded")

	items, err := rig.db.ListItems(ctx, playerCharID)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	ch, err := rig.db.GetCharacter(ctx, playerCharID)
	require.NoError(t, err)
	assert.True(t, ch.Overloaded)
}

func TestConsumeItem(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.db.items["it-1"] = model.Item{
		ID: "it-1", CharacterID: playerCharID, Name: "analgésico", Category: "consumable", Slots: 1, Quantity: 2,
	}
	rig.initialize(t)
	ctx := context.Background()

	res := rig.engine.ConsumeItem(ctx, playerCharID, "it-1")
	require.True(t, res.Success)
	items, _ := rig.db.ListItems(ctx, playerCharID)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Quantity)

	res = rig.engine.ConsumeItem(ctx, playerCharID, "it-1")
	require.True(t, res.Success)
	items, _ = rig.db.ListItems(ctx, playerCharID)
	assert.Empty(t, items)

	assert.False(t, rig.engine.ConsumeItem(ctx, playerCharID, "it-1").Success)
}

func TestCastRitual(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)
	ctx := context.Background()

	assert.False(t, rig.engine.CastRitual(ctx, playerCharID, "nada").Success)

	res := rig.engine.CastRitual(ctx, playerCharID, "medo-tangivel")
	require.True(t, res.Success, res.Message)

	ch, err := rig.db.GetCharacter(ctx, playerCharID)
	require.NoError(t, err)
	assert.Equal(t, 3, ch.Current.Effort) // 5 - 2

	m, ok := rig.db.lastMessage()
	require.True(t, ok)
	assert.Equal(t, model.MessageSystem, m.Kind)
	assert.Contains(t, m.Text, "Medo Tangível")
}

func TestAttack_ConsumesAmmunition(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.db.items["wpn-1"] = model.Item{
		ID: "wpn-1", CharacterID: playerCharID, Name: "fuzil", Category: "weapon", Slots: 2, Quantity: 1,
		Stats: map[string]any{"damage": "2d8+1", "ammo_type": "munição de fuzil"},
	}
	rig.db.items["ammo-1"] = model.Item{
		ID: "ammo-1", CharacterID: playerCharID, Name: "munição de fuzil", Category: "ammunition", Slots: 1, Quantity: 2,
	}
	rig.initialize(t)
	ctx := context.Background()

	res := rig.engine.Attack(ctx, playerCharID, "wpn-1")
	require.True(t, res.Success, res.Message)

	items, _ := rig.db.ListItems(ctx, playerCharID)
	for _, it := range items {
		if it.ID == "ammo-1" {
			assert.Equal(t, 1, it.Quantity)
		}
	}

	m, ok := rig.db.lastMessage()
	require.True(t, ok)
	require.NotNil(t, m.Roll)
	assert.Equal(t, "2d8+1", m.Roll.Expression)
}

func TestAttack_NoAmmunitionDenied(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.db.items["wpn-1"] = model.Item{
		ID: "wpn-1", CharacterID: playerCharID, Name: "fuzil", Category: "weapon", Slots: 2, Quantity: 1,
		Stats: map[string]any{"damage": "2d8", "ammo_type": "munição de fuzil"},
	}
	rig.initialize(t)

	res := rig.engine.Attack(context.Background(), playerCharID, "wpn-1")
	assert.False(t, res.Success)
	assert.Equal(t, "no ammunition", res.Message)
}

func TestSceneLifecycle(t *testing.T) {
	rig := newRig(t, gmUserID)
	rig.initialize(t)
	ctx := context.Background()

	res := rig.engine.CreateScene(ctx, "porão", nil, 70, true)
	require.True(t, res.Success, res.Message)

	scene, found, err := rig.db.ActiveScene(ctx, testSessionID)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEqual(t, activeSceneID, scene.ID)
	assert.Equal(t, 70, scene.GridSize)

	// Tokens of the replaced scene are gone.
	tokens, err := rig.db.ListTokens(ctx, activeSceneID)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	res = rig.engine.ActivateScene(ctx, activeSceneID)
	require.True(t, res.Success)

	assert.False(t, rig.engine.ActivateScene(ctx, "missing").Success)
}

func TestSceneOps_PlayersDenied(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)
	ctx := context.Background()

	assert.False(t, rig.engine.CreateScene(ctx, "x", nil, 50, false).Success)
	assert.False(t, rig.engine.ActivateScene(ctx, activeSceneID).Success)
	assert.False(t, rig.engine.RemoveToken(ctx, "tok-1").Success)
}

func TestTokenOps(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)
	ctx := context.Background()

	res := rig.engine.MoveToken(ctx, "tok-1", 7, 8)
	require.True(t, res.Success)

	// Staged immediately for local feedback.
	snap := rig.engine.Store().Snapshot()
	require.Len(t, snap.Tokens, 1)
	assert.Equal(t, 7, snap.Tokens[0].X)

	tk := rig.db.tokens["tok-1"]
	assert.Equal(t, 7, tk.X)
	assert.Equal(t, 8, tk.Y)

	assert.False(t, rig.engine.MoveToken(ctx, "missing", 0, 0).Success)

	res = rig.engine.PlaceToken(ctx, playerCharID, 2, 2)
	require.True(t, res.Success)
}

func TestCombatLifecycle(t *testing.T) {
	rig := newRig(t, gmUserID)
	rig.db.characters["ch-npc"] = model.Character{
		ID: "ch-npc", SessionID: testSessionID, Name: "Zumbi", NPC: true,
		Attributes: model.AttributeSet{Agility: 1}, Alive: true,
	}
	rig.initialize(t)
	ctx := context.Background()

	res := rig.engine.StartCombat(ctx)
	require.True(t, res.Success, res.Message)
	assert.False(t, rig.engine.StartCombat(ctx).Success)

	sess, err := rig.db.GetSession(ctx, testSessionID)
	require.NoError(t, err)
	assert.True(t, sess.CombatActive)
	require.Len(t, sess.TurnOrder, 2)
	assert.Equal(t, 1, sess.Round)
	assert.GreaterOrEqual(t, sess.TurnOrder[0].Initiative, sess.TurnOrder[1].Initiative)

	// Two combatants: the second Next wraps into round 2.
	require.True(t, rig.engine.NextTurn(ctx).Success)
	require.True(t, rig.engine.NextTurn(ctx).Success)
	sess, err = rig.db.GetSession(ctx, testSessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Round)
	assert.Equal(t, 0, sess.TurnIndex)

	res = rig.engine.EndCombat(ctx)
	require.True(t, res.Success)
	sess, err = rig.db.GetSession(ctx, testSessionID)
	require.NoError(t, err)
	assert.False(t, sess.CombatActive)
	assert.Empty(t, sess.TurnOrder)

	assert.False(t, rig.engine.NextTurn(ctx).Success)
	assert.False(t, rig.engine.EndCombat(ctx).Success)
}

func TestCombat_PlayersDenied(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)
	ctx := context.Background()

	assert.False(t, rig.engine.StartCombat(ctx).Success)
	assert.False(t, rig.engine.NextTurn(ctx).Success)
	assert.False(t, rig.engine.EndCombat(ctx).Success)
}

func TestJoinWithCode(t *testing.T) {
	rig := newRig(t, "stranger-1")
	sess := rig.db.sessions[testSessionID]
	hash, err := auth.HashJoinCode("segredo")
	require.NoError(t, err)
	sess.JoinCodeHash = hash
	rig.db.sessions[testSessionID] = sess
	rig.initialize(t)
	ctx := context.Background()

	assert.False(t, rig.engine.JoinWithCode(ctx, "errado").Success)

	res := rig.engine.JoinWithCode(ctx, "segredo")
	require.True(t, res.Success)

	m, found, err := rig.db.GetMembership(ctx, testSessionID, "stranger-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.MembershipApproved, m.Status)
}

func TestMembershipResolution(t *testing.T) {
	rig := newRig(t, gmUserID)
	rig.db.memberships[membershipKey(testSessionID, "stranger-1")] = model.Membership{
		SessionID: testSessionID, UserID: "stranger-1", Status: model.MembershipPending,
	}
	rig.initialize(t)
	ctx := context.Background()

	assert.False(t, rig.engine.ApproveMember(ctx, "nobody").Success)

	res := rig.engine.ApproveMember(ctx, "stranger-1")
	require.True(t, res.Success)
	m, _, _ := rig.db.GetMembership(ctx, testSessionID, "stranger-1")
	assert.Equal(t, model.MembershipApproved, m.Status)

	res = rig.engine.RejectMember(ctx, "stranger-1")
	require.True(t, res.Success)
	m, _, _ = rig.db.GetMembership(ctx, testSessionID, "stranger-1")
	assert.Equal(t, model.MembershipRejected, m.Status)
}

func TestMembershipResolution_PlayersDenied(t *testing.T) {
	rig := newRig(t, playerUserID)
	rig.initialize(t)

	assert.False(t, rig.engine.ApproveMember(context.Background(), "stranger-1").Success)
}

func TestSetGMOverride(t *testing.T) {
	rig := newRig(t, gmUserID)
	rig.initialize(t)
	ctx := context.Background()

	res := rig.engine.SetGMOverride(ctx, playerCharID, true)
	require.True(t, res.Success)
	ch, err := rig.db.GetCharacter(ctx, playerCharID)
	require.NoError(t, err)
	assert.True(t, ch.GMOverride)

	// With the override on, the tier cap no longer binds.
	require.True(t, rig.engine.IncreaseAttribute(ctx, playerCharID, "vig").Success)
	require.True(t, rig.engine.IncreaseAttribute(ctx, playerCharID, "vig").Success)
}
