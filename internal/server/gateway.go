// Package server exposes the session engine over websocket: one connection
// per (user, session) pair, snapshots pushed on every cache change, named
// operations dispatched from client commands.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/dice"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/model"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	initializeWait = 15 * time.Second
	sendBuffer     = 64
)

// EngineFactory builds a session engine for one connecting user.
type EngineFactory func(sessionID, userID string) (*session.Engine, error)

// Command is one client request. Op selects the operation; the remaining
// fields carry its arguments.
type Command struct {
	Op string `json:"op"`

	CharacterID string `json:"character_id,omitempty"`
	Text        string `json:"text,omitempty"`

	Expression string `json:"expression,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Threat     int    `json:"threat,omitempty"`

	Attribute string           `json:"attribute,omitempty"`
	NEX       int              `json:"nex,omitempty"`
	Class     string           `json:"class,omitempty"`
	Stats     *model.StatBlock `json:"stats,omitempty"`

	Character *session.CharacterParams `json:"character,omitempty"`

	TemplateID string      `json:"template_id,omitempty"`
	Name       string      `json:"name,omitempty"`
	Item       *model.Item `json:"item,omitempty"`
	ItemID     string      `json:"item_id,omitempty"`
	RitualID   string      `json:"ritual_id,omitempty"`
	WeaponID   string      `json:"weapon_id,omitempty"`

	SceneID    string `json:"scene_id,omitempty"`
	TokenID    string `json:"token_id,omitempty"`
	X          int    `json:"x,omitempty"`
	Y          int    `json:"y,omitempty"`
	GridSize   int    `json:"grid_size,omitempty"`
	Background []byte `json:"background,omitempty"`
	Activate   bool   `json:"activate,omitempty"`

	UserID  string `json:"user_id,omitempty"`
	Code    string `json:"code,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// envelope is one server-to-client frame.
type envelope struct {
	Type string `json:"type"`
	Op   string `json:"op,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Gateway upgrades websocket connections and bridges them to engines.
type Gateway struct {
	logger         *zap.Logger
	factory        EngineFactory
	upgrader       websocket.Upgrader
	maxMessageSize int64
}

// NewGateway wires the factory. Origin checking is delegated to whatever
// fronts the gateway.
func NewGateway(factory EngineFactory, maxMessageSize int64, logger *zap.Logger) *Gateway {
	if maxMessageSize < 1 {
		maxMessageSize = 64 * 1024
	}
	return &Gateway{
		logger:  logger,
		factory: factory,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxMessageSize: maxMessageSize,
	}
}

// client is one live connection. The snapshot listener runs on the feed
// goroutine, so sends into the outbound channel are guarded against the
// channel closing underneath them.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	engine *session.Engine
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// ServeWS handles /ws?session_id=...&user_id=... upgrades.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	userID := r.URL.Query().Get("user_id")
	if sessionID == "" || userID == "" {
		http.Error(w, "session_id and user_id are required", http.StatusBadRequest)
		return
	}

	engine, err := g.factory(sessionID, userID)
	if err != nil {
		g.logger.Error("engine creation failed",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		engine.Unsubscribe()
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		engine: engine,
		logger: g.logger.With(zap.String("session_id", sessionID), zap.String("user_id", userID)),
	}
	conn.SetReadLimit(g.maxMessageSize)

	ctx, cancel := context.WithTimeout(context.Background(), initializeWait)
	defer cancel()
	if err := engine.Initialize(ctx); err != nil {
		c.logger.Error("session initialization failed", zap.Error(err))
		payload, _ := json.Marshal(envelope{Type: "error", Data: "session unavailable"})
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, payload)
		conn.Close()
		engine.Unsubscribe()
		return
	}

	// Every cache change pushes a fresh snapshot; the subscription fires
	// immediately with the current one.
	unsubscribe := engine.Store().Subscribe(func(snap session.Snapshot) {
		c.sendEnvelope(envelope{Type: "snapshot", Data: snap})
	})

	c.logger.Info("client connected")
	go c.writePump()
	go c.readPump(func() {
		unsubscribe()
		engine.Unsubscribe()
		c.logger.Info("client disconnected")
	})
}

// sendEnvelope queues a frame, dropping it when the client cannot keep up.
// The next snapshot carries the full state anyway.
func (c *client) sendEnvelope(env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("frame marshal failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("client lagging, frame dropped", zap.String("type", env.Type))
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) readPump(cleanup func()) {
	defer func() {
		cleanup()
		c.closeSend()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.sendEnvelope(envelope{Type: "error", Data: "malformed command"})
			continue
		}

		result := c.dispatch(cmd)
		c.sendEnvelope(envelope{Type: "result", Op: cmd.Op, Data: result})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one command onto the engine.
func (c *client) dispatch(cmd Command) session.Result {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	switch cmd.Op {
	case "send_message":
		return c.engine.SendMessage(ctx, cmd.CharacterID, cmd.Text)
	case "roll_dice":
		return c.engine.RollDice(ctx, cmd.CharacterID, cmd.Expression, rollMode(cmd.Mode), cmd.Threat)
	case "update_stats":
		if cmd.Stats == nil {
			return session.Result{Message: "stats payload missing"}
		}
		return c.engine.UpdateCurrentStats(ctx, cmd.CharacterID, *cmd.Stats)
	case "increase_attribute":
		return c.engine.IncreaseAttribute(ctx, cmd.CharacterID, cmd.Attribute)
	case "advance_nex":
		return c.engine.AdvanceNEX(ctx, cmd.CharacterID, cmd.NEX)
	case "advance_survivor_stage":
		return c.engine.AdvanceSurvivorStage(ctx, cmd.CharacterID)
	case "change_class":
		return c.engine.ChangeClass(ctx, cmd.CharacterID, cmd.Class)
	case "create_character":
		if cmd.Character == nil {
			return session.Result{Message: "character payload missing"}
		}
		return c.engine.CreateCharacter(ctx, *cmd.Character)
	case "spawn_npc":
		return c.engine.SpawnNPC(ctx, cmd.TemplateID, cmd.Name)
	case "give_item":
		if cmd.Item == nil {
			return session.Result{Message: "item payload missing"}
		}
		return c.engine.GiveItem(ctx, cmd.CharacterID, *cmd.Item)
	case "consume_item":
		return c.engine.ConsumeItem(ctx, cmd.CharacterID, cmd.ItemID)
	case "cast_ritual":
		return c.engine.CastRitual(ctx, cmd.CharacterID, cmd.RitualID)
	case "attack":
		return c.engine.Attack(ctx, cmd.CharacterID, cmd.WeaponID)
	case "create_scene":
		return c.engine.CreateScene(ctx, cmd.Name, cmd.Background, cmd.GridSize, cmd.Activate)
	case "activate_scene":
		return c.engine.ActivateScene(ctx, cmd.SceneID)
	case "place_token":
		return c.engine.PlaceToken(ctx, cmd.CharacterID, cmd.X, cmd.Y)
	case "move_token":
		return c.engine.MoveToken(ctx, cmd.TokenID, cmd.X, cmd.Y)
	case "remove_token":
		return c.engine.RemoveToken(ctx, cmd.TokenID)
	case "start_combat":
		return c.engine.StartCombat(ctx)
	case "next_turn":
		return c.engine.NextTurn(ctx)
	case "end_combat":
		return c.engine.EndCombat(ctx)
	case "join_with_code":
		return c.engine.JoinWithCode(ctx, cmd.Code)
	case "approve_member":
		return c.engine.ApproveMember(ctx, cmd.UserID)
	case "reject_member":
		return c.engine.RejectMember(ctx, cmd.UserID)
	case "set_gm_override":
		return c.engine.SetGMOverride(ctx, cmd.CharacterID, cmd.Enabled)
	case "resync":
		if err := c.engine.Resync(ctx); err != nil {
			c.logger.Error("resync failed", zap.Error(err))
			return session.Result{Message: "resync failed"}
		}
		return session.Result{Success: true, Message: "resynced"}
	default:
		return session.Result{Message: fmt.Sprintf("unknown operation %q", cmd.Op)}
	}
}

func rollMode(mode string) dice.Mode {
	if mode == string(dice.ModeDamage) {
		return dice.ModeDamage
	}
	return dice.ModeAttribute
}

// Server is the HTTP listener hosting the gateway.
type Server struct {
	logger  *zap.Logger
	gateway *Gateway
	addr    string
}

// NewServer builds the listener.
func NewServer(addr string, gateway *Gateway, logger *zap.Logger) *Server {
	return &Server{logger: logger, gateway: gateway, addr: addr}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.gateway.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("websocket gateway listening", zap.String("address", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
