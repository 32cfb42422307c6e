// Command seed applies the database schema and creates a demo table with a
// GM, a join code and a starting scene. Safe to re-run: rows are upserted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/auth"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/config"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/store"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	sessionID  = flag.String("session", "mesa-demo", "id of the demo session")
	gmID       = flag.String("gm", "gm-demo", "user id of the demo GM")
	joinCode   = flag.String("join-code", "", "optional join code for the demo session")
	schemaOnly = flag.Bool("schema-only", false, "apply the schema and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	fmt.Println("=== Mesa schema + seed ===")

	if _, err := pool.Exec(ctx, store.Schema); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	fmt.Println("Schema applied")

	if *schemaOnly {
		return
	}

	hash := ""
	if *joinCode != "" {
		hash, err = auth.HashJoinCode(*joinCode)
		if err != nil {
			log.Fatalf("Failed to hash join code: %v", err)
		}
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO sessions (id, name, join_code_hash, gm_id, active, combat_active, turn_order, turn_index, round, version)
		VALUES ($1, $2, $3, $4, TRUE, FALSE, '[]'::jsonb, 0, 0, 1)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, join_code_hash = EXCLUDED.join_code_hash, gm_id = EXCLUDED.gm_id
	`, *sessionID, "Mesa Demo", hash, *gmID)
	if err != nil {
		log.Fatalf("Failed to seed session: %v", err)
	}
	fmt.Printf("Session %q ready (GM %s)\n", *sessionID, *gmID)

	sceneID := uuid.NewString()
	_, err = pool.Exec(ctx, `
		INSERT INTO scenes (id, session_id, background, grid_size, active)
		SELECT $1, $2, '', 50, TRUE
		WHERE NOT EXISTS (SELECT 1 FROM scenes WHERE session_id = $2)
	`, sceneID, *sessionID)
	if err != nil {
		log.Fatalf("Failed to seed scene: %v", err)
	}

	fmt.Println("Done")
}
