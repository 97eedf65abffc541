// Command seed loads a YAML fixture of users, endpoints, models and API keys
// into the gateway database.
//
//	seed [-db gateway.db] fixtures.yaml
//
// The database path defaults to DATABASE_PATH, read the same way the gateway
// reads it. Each issued key is printed once as "<username>\t<key name>\t<key>";
// only its hash is stored. Logs are JSON on stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/llm-meter/internal/config"
	"github.com/nulpointcorp/llm-meter/internal/seed"
	"github.com/nulpointcorp/llm-meter/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := seedMain(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// seedMain parses args, applies the fixture and returns the exit code.
func seedMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "", "SQLite database path (default: DATABASE_PATH)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: seed [-db path] fixtures.yaml")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	fixture := fs.Arg(0)

	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	if *dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			logger.Error("failed to load config", slog.String("error", err.Error()))
			return 1
		}
		*dbPath = cfg.Database.Path
	}

	if err := run(ctx, *dbPath, fixture, stdout); err != nil {
		logger.Error("seed failed",
			slog.String("db", *dbPath),
			slog.String("fixture", fixture),
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("seed applied", slog.String("db", *dbPath), slog.String("fixture", fixture))
	return 0
}

func run(ctx context.Context, dbPath, fixturePath string, out io.Writer) error {
	f, err := seed.Load(fixturePath)
	if err != nil {
		return err
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	issued, err := seed.Apply(ctx, db, f)
	// Keys minted before a failure are already stored; print them anyway.
	for _, k := range issued {
		fmt.Fprintf(out, "%s\t%s\t%s\n", k.Username, k.Name, k.Raw)
	}
	return err
}
