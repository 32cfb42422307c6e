package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/model"
)

// ErrNotFound reports a missing entity.
var ErrNotFound = errors.New("not found")

// Postgres implements EntityStore over a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, url string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pool for the blob store and seed tooling.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

// ==================== Sessions ====================

func (p *Postgres) GetSession(ctx context.Context, id string) (model.Session, error) {
	var (
		s         model.Session
		turnOrder []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, join_code_hash, gm_id, active, combat_active,
		       turn_order, turn_index, round, version
		FROM sessions WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.JoinCodeHash, &s.GMID, &s.Active, &s.CombatActive,
		&turnOrder, &s.TurnIndex, &s.Round, &s.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal(turnOrder, &s.TurnOrder); err != nil {
		return model.Session{}, fmt.Errorf("decode turn order: %w", err)
	}
	return s, nil
}

// UpdateSession writes the session row and bumps its version. The version is
// a concurrency token only in the sense that it records write order; no
// conditional update is performed (last write wins, see DESIGN.md).
func (p *Postgres) UpdateSession(ctx context.Context, s model.Session) error {
	turnOrder, err := json.Marshal(orEmptyOrder(s.TurnOrder))
	if err != nil {
		return fmt.Errorf("encode turn order: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		UPDATE sessions
		SET name = $2, active = $3, combat_active = $4,
		    turn_order = $5, turn_index = $6, round = $7,
		    version = version + 1
		WHERE id = $1
	`, s.ID, s.Name, s.Active, s.CombatActive, turnOrder, s.TurnIndex, s.Round)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func orEmptyOrder(order []model.TurnEntry) []model.TurnEntry {
	if order == nil {
		return []model.TurnEntry{}
	}
	return order
}

// ==================== Characters ====================

const characterColumns = `id, owner_id, session_id, name, class, nex, patente, origin,
	attributes, stats_current, stats_max, defense, carry_max, survivor_stage,
	npc, gm_override, alive, sane, overloaded`

func scanCharacter(row pgx.Row) (model.Character, error) {
	var (
		ch                  model.Character
		attrs, current, max []byte
	)
	err := row.Scan(&ch.ID, &ch.OwnerID, &ch.SessionID, &ch.Name, &ch.Class, &ch.NEX,
		&ch.Rank, &ch.Origin, &attrs, &current, &max, &ch.Defense, &ch.CarryMax,
		&ch.SurvivorStage, &ch.NPC, &ch.GMOverride, &ch.Alive, &ch.Sane, &ch.Overloaded)
	if err != nil {
		return model.Character{}, err
	}
	if err := json.Unmarshal(attrs, &ch.Attributes); err != nil {
		return model.Character{}, fmt.Errorf("decode attributes: %w", err)
	}
	if err := json.Unmarshal(current, &ch.Current); err != nil {
		return model.Character{}, fmt.Errorf("decode current stats: %w", err)
	}
	if err := json.Unmarshal(max, &ch.Max); err != nil {
		return model.Character{}, fmt.Errorf("decode max stats: %w", err)
	}
	return ch, nil
}

func (p *Postgres) ListCharacters(ctx context.Context, sessionID string) ([]model.Character, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE session_id = $1 ORDER BY name`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var out []model.Character
	for rows.Next() {
		ch, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("list characters: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (p *Postgres) GetCharacter(ctx context.Context, id string) (model.Character, error) {
	ch, err := scanCharacter(p.pool.QueryRow(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Character{}, fmt.Errorf("character %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Character{}, fmt.Errorf("get character: %w", err)
	}
	return ch, nil
}

func (p *Postgres) InsertCharacter(ctx context.Context, ch model.Character) error {
	return p.writeCharacter(ctx, ch, `
		INSERT INTO characters (`+characterColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`)
}

func (p *Postgres) UpdateCharacter(ctx context.Context, ch model.Character) error {
	return p.writeCharacter(ctx, ch, `
		UPDATE characters SET
			owner_id = $2, session_id = $3, name = $4, class = $5, nex = $6,
			patente = $7, origin = $8, attributes = $9, stats_current = $10,
			stats_max = $11, defense = $12, carry_max = $13, survivor_stage = $14,
			npc = $15, gm_override = $16, alive = $17, sane = $18, overloaded = $19
		WHERE id = $1`)
}

func (p *Postgres) writeCharacter(ctx context.Context, ch model.Character, sql string) error {
	attrs, err := json.Marshal(ch.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	current, err := json.Marshal(ch.Current)
	if err != nil {
		return fmt.Errorf("encode current stats: %w", err)
	}
	max, err := json.Marshal(ch.Max)
	if err != nil {
		return fmt.Errorf("encode max stats: %w", err)
	}
	_, err = p.pool.Exec(ctx, sql,
		ch.ID, ch.OwnerID, ch.SessionID, ch.Name, ch.Class, ch.NEX, ch.Rank, ch.Origin,
		attrs, current, max, ch.Defense, ch.CarryMax, ch.SurvivorStage,
		ch.NPC, ch.GMOverride, ch.Alive, ch.Sane, ch.Overloaded)
	if err != nil {
		return fmt.Errorf("write character: %w", err)
	}
	return nil
}

// ==================== Items ====================

func (p *Postgres) ListItems(ctx context.Context, characterID string) ([]model.Item, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, character_id, name, category, slots, quantity, stats
		FROM items WHERE character_id = $1 ORDER BY name
	`, characterID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []model.Item
	for rows.Next() {
		var (
			item  model.Item
			stats []byte
		)
		if err := rows.Scan(&item.ID, &item.CharacterID, &item.Name, &item.Category,
			&item.Slots, &item.Quantity, &stats); err != nil {
			return nil, fmt.Errorf("list items: %w", err)
		}
		if len(stats) > 0 {
			if err := json.Unmarshal(stats, &item.Stats); err != nil {
				return nil, fmt.Errorf("decode item stats: %w", err)
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertItem(ctx context.Context, item model.Item) error {
	stats, err := json.Marshal(item.Stats)
	if err != nil {
		return fmt.Errorf("encode item stats: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO items (id, character_id, name, category, slots, quantity, stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.CharacterID, item.Name, item.Category, item.Slots, item.Quantity, stats)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateItem(ctx context.Context, item model.Item) error {
	stats, err := json.Marshal(item.Stats)
	if err != nil {
		return fmt.Errorf("encode item stats: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		UPDATE items SET name = $2, category = $3, slots = $4, quantity = $5, stats = $6
		WHERE id = $1
	`, item.ID, item.Name, item.Category, item.Slots, item.Quantity, stats)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteItem(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// ==================== Scenes & tokens ====================

func (p *Postgres) ActiveScene(ctx context.Context, sessionID string) (model.Scene, bool, error) {
	var sc model.Scene
	err := p.pool.QueryRow(ctx, `
		SELECT id, session_id, background, grid_size, active
		FROM scenes WHERE session_id = $1 AND active
	`, sessionID).Scan(&sc.ID, &sc.SessionID, &sc.Background, &sc.GridSize, &sc.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Scene{}, false, nil
	}
	if err != nil {
		return model.Scene{}, false, fmt.Errorf("active scene: %w", err)
	}
	return sc, true, nil
}

func (p *Postgres) InsertScene(ctx context.Context, sc model.Scene) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO scenes (id, session_id, background, grid_size, active)
		VALUES ($1, $2, $3, $4, $5)
	`, sc.ID, sc.SessionID, sc.Background, sc.GridSize, sc.Active)
	if err != nil {
		return fmt.Errorf("insert scene: %w", err)
	}
	return nil
}

// ActivateScene makes sceneID the single active scene of the session.
// Tokens of the replaced scene are deleted; they do not carry over.
func (p *Postgres) ActivateScene(ctx context.Context, sessionID, sceneID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("activate scene: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM tokens WHERE scene_id IN (
			SELECT id FROM scenes WHERE session_id = $1 AND active AND id <> $2
		)
	`, sessionID, sceneID)
	if err != nil {
		return fmt.Errorf("clear replaced scene tokens: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE scenes SET active = false WHERE session_id = $1 AND active AND id <> $2`,
		sessionID, sceneID)
	if err != nil {
		return fmt.Errorf("deactivate scenes: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE scenes SET active = true WHERE session_id = $1 AND id = $2`,
		sessionID, sceneID)
	if err != nil {
		return fmt.Errorf("activate scene: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scene %s: %w", sceneID, ErrNotFound)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ListTokens(ctx context.Context, sceneID string) ([]model.Token, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, scene_id, character_id, x, y, size, visible
		FROM tokens WHERE scene_id = $1
	`, sceneID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []model.Token
	for rows.Next() {
		var tk model.Token
		if err := rows.Scan(&tk.ID, &tk.SceneID, &tk.CharacterID, &tk.X, &tk.Y, &tk.Size, &tk.Visible); err != nil {
			return nil, fmt.Errorf("list tokens: %w", err)
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertToken(ctx context.Context, tk model.Token) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tokens (id, scene_id, character_id, x, y, size, visible)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			scene_id = EXCLUDED.scene_id, character_id = EXCLUDED.character_id,
			x = EXCLUDED.x, y = EXCLUDED.y, size = EXCLUDED.size, visible = EXCLUDED.visible
	`, tk.ID, tk.SceneID, tk.CharacterID, tk.X, tk.Y, tk.Size, tk.Visible)
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteToken(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM tokens WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// ==================== Messages & campaign log ====================

func (p *Postgres) InsertMessage(ctx context.Context, m model.Message) error {
	var roll []byte
	if m.Roll != nil {
		var err error
		roll, err = json.Marshal(m.Roll)
		if err != nil {
			return fmt.Errorf("encode roll: %w", err)
		}
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, author_id, character_id, kind, text, roll)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.SessionID, m.AuthorID, m.CharacterID, string(m.Kind), m.Text, roll)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (p *Postgres) ListMessages(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, author_id, character_id, kind, text, roll, seq, created_at
		FROM messages WHERE session_id = $1
		ORDER BY seq DESC LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m    model.Message
			kind string
			roll []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.AuthorID, &m.CharacterID, &kind,
			&m.Text, &roll, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		m.Kind = model.MessageKind(kind)
		if len(roll) > 0 {
			m.Roll = &model.RollPayload{}
			if err := json.Unmarshal(roll, m.Roll); err != nil {
				return nil, fmt.Errorf("decode roll: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseMessages(out) // query is newest-first; callers want arrival order
	return out, nil
}

func reverseMessages(ms []model.Message) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}

func (p *Postgres) InsertLog(ctx context.Context, entry model.CampaignLogEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode log payload: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO campaign_logs (id, session_id, kind, description, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.SessionID, entry.Kind, entry.Description, payload)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func (p *Postgres) ListLogs(ctx context.Context, sessionID string, limit int) ([]model.CampaignLogEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, kind, description, payload, created_at
		FROM campaign_logs WHERE session_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []model.CampaignLogEntry
	for rows.Next() {
		var (
			entry   model.CampaignLogEntry
			payload []byte
		)
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Kind, &entry.Description,
			&payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("list logs: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Payload); err != nil {
				return nil, fmt.Errorf("decode log payload: %w", err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ==================== Memberships ====================

func (p *Postgres) GetMembership(ctx context.Context, sessionID, userID string) (model.Membership, bool, error) {
	var (
		m      model.Membership
		status string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT session_id, user_id, status FROM memberships
		WHERE session_id = $1 AND user_id = $2
	`, sessionID, userID).Scan(&m.SessionID, &m.UserID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Membership{}, false, nil
	}
	if err != nil {
		return model.Membership{}, false, fmt.Errorf("get membership: %w", err)
	}
	m.Status = model.MembershipStatus(status)
	return m, true, nil
}

func (p *Postgres) UpsertMembership(ctx context.Context, m model.Membership) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO memberships (session_id, user_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, user_id) DO UPDATE SET status = EXCLUDED.status
	`, m.SessionID, m.UserID, string(m.Status))
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}
