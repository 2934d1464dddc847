// Command seed provisions ledger accounts, e.g. for local runs:
//
//	seed alice:Alice:500 bob:Bob:300
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ariefcatur/go-points-marketplace/internal/config"
	"github.com/ariefcatur/go-points-marketplace/internal/marketplace"
	"github.com/ariefcatur/go-points-marketplace/internal/postgres"
	"github.com/ariefcatur/go-points-marketplace/internal/sqlite"
)

type userCreator interface {
	CreateUser(ctx context.Context, u marketplace.User) error
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(context.Background(), os.Args[1:], logger); err != nil {
		logger.Error("seed failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, logger *slog.Logger) error {
	users := make([]marketplace.User, 0, len(args))
	for _, a := range args {
		u, err := parseUser(a)
		if err != nil {
			return err
		}
		users = append(users, u)
	}
	if len(users) == 0 {
		return fmt.Errorf("usage: seed id:username:balance ...")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	var dst userCreator
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer s.Close()
		dst = s
	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, 1)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return err
		}
		dst = &postgres.Store{DB: db}
	}

	for _, u := range users {
		if err := dst.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
		logger.Info("user created", "id", u.ID, "username", u.Username, "balance", u.Balance)
	}
	return nil
}

func parseUser(s string) (marketplace.User, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" {
		return marketplace.User{}, fmt.Errorf("bad user %q, want id:username:balance", s)
	}
	bal, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || bal < 0 {
		return marketplace.User{}, fmt.Errorf("bad balance in %q", s)
	}
	return marketplace.User{ID: parts[0], Username: parts[1], Balance: bal}, nil
}
