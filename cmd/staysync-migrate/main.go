// SPDX-License-Identifier: MIT

// Command staysync-migrate applies the PostgreSQL schema migrations.
// Run it before rolling out a daemon version that expects a newer
// schema; the sqlite driver migrates itself on open and needs no
// separate step.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lodgewerk/staysync/internal/store/postgres"
)

var version = "dev"

func main() {
	var (
		dsn         = flag.String("dsn", "", "PostgreSQL DSN (defaults to STAYSYNC_POSTGRES_DSN)")
		statusOnly  = flag.Bool("status", false, "print the applied schema version and exit")
		timeout     = flag.Duration("timeout", 2*time.Minute, "overall migration budget")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("staysync-migrate %s\n", version)
		return
	}

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv("STAYSYNC_POSTGRES_DSN"))
	}
	if target == "" {
		fmt.Fprintln(os.Stderr, "error: no DSN; pass --dsn or set STAYSYNC_POSTGRES_DSN")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *statusOnly {
		v, dirty, err := postgres.MigrationVersion(ctx, target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		state := "clean"
		if dirty {
			state = "dirty"
		}
		fmt.Printf("schema version %d (%s)\n", v, state)
		if dirty {
			os.Exit(1)
		}
		return
	}

	if err := postgres.RunMigrations(ctx, target); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	v, dirty, err := postgres.MigrationVersion(ctx, target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: migrations applied but version check failed: %v\n", err)
		os.Exit(1)
	}
	if dirty {
		fmt.Fprintln(os.Stderr, "error: schema left dirty, inspect schema_migrations")
		os.Exit(1)
	}
	fmt.Printf("migrations applied, schema version %d\n", v)
}
