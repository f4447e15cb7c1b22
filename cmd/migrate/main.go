// Command migrate applies or rolls back the copier database schema.
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

	dbmigrations "github.com/coachpo/copytrader/db/migrations"
	"github.com/coachpo/copytrader/internal/infra/persistence/migrations"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "COPIER_DATABASE_DSN"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", os.Getenv(dsnEnv), "PostgreSQL DSN (default: $"+dsnEnv+")")
		dir     = flag.String("path", "", "Directory containing SQL migrations (default: migrations embedded in the binary)")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag or " + dsnEnv + " is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "copier-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if strings.TrimSpace(*dir) == "" {
			return migrations.ApplyEmbedded(ctx, *dsn, dbmigrations.Files, logger)
		}
		return migrations.Apply(ctx, *dsn, *dir, logger)
	case "down":
		if strings.TrimSpace(*dir) == "" {
			return errors.New("down requires -path; embedded migrations only apply forward")
		}
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, *dsn, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
