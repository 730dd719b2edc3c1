// Command migrate applies or rolls back the SQL schema migrations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/tradestore/internal/infra/config"
	"github.com/coachpo/tradestore/internal/infra/persistence/migrations"
)

const (
	defaultMigrationsPath = "db/migrations"
	defaultTimeout        = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", "", fmt.Sprintf("PostgreSQL DSN (defaults to %s)", config.DatabaseURLEnvVar))
		dir     = flag.String("path", defaultMigrationsPath, "Directory containing SQL migrations")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	database := strings.TrimSpace(*dsn)
	if database == "" {
		database = strings.TrimSpace(os.Getenv(config.DatabaseURLEnvVar))
	}
	if database == "" {
		return fmt.Errorf("-database flag is required (or set %s)", config.DatabaseURLEnvVar)
	}
	if strings.TrimSpace(*dir) == "" {
		return errors.New("-path flag is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "tradestore-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if err := migrations.Apply(ctx, database, *dir, logger); err != nil {
			return err
		}
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		if err := migrations.Rollback(ctx, database, *dir, steps, logger); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}

	return nil
}
