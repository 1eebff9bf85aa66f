// Command apikey stores the remote generation API key in integration_tokens so
// the API can pick it up without REMOTE_API_KEY.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"studio/internal/infra"
	"studio/internal/infra/credentials"
)

func main() {
	_ = godotenv.Load()

	var (
		keyFlag    string
		sourceFlag string
	)
	flag.StringVar(&keyFlag, "key", "", "Render API key (fallbacks to REMOTE_API_KEY)")
	flag.StringVar(&sourceFlag, "source", "cli", "Label recorded next to the key")
	flag.Parse()

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("REMOTE_API_KEY"))
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "render API key is required via -key or REMOTE_API_KEY")
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "apikey").Str("provider", credentials.ProviderRender).Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	if err := store.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare schema: %v\n", err)
		os.Exit(1)
	}
	if err := store.SetRenderAPIKey(ctx, key, sourceFlag); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist render api key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("render API key stored successfully")
}
