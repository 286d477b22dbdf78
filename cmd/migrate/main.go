package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ourhour.org/internal/auth"
	"ourhour.org/internal/migrate"
	"ourhour.org/internal/obs"
)

func main() {
	log := obs.InitLogger(obs.Options{Level: "info", Format: "text"})
	var (
		dsn = flag.String("dsn", os.Getenv("OURHOUR_DATABASE_DSN"), "PostgreSQL DSN")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or OURHOUR_DATABASE_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|passwd <email>]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrate.Migrations(), migrate.Seeds(), migrate.WithLogger(log))

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var entries []migrate.Entry
		entries, err = mgr.Status(ctx)
		for _, e := range entries {
			if e.Applied {
				fmt.Printf("applied  %s  %s\n", e.AppliedAt.UTC().Format(time.RFC3339), e.Name)
			} else {
				fmt.Printf("pending  %s\n", e.Name)
			}
		}
	case "passwd":
		err = setPassword(ctx, db, flag.Arg(1))
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// setPassword reads a password from OURHOUR_PASSWORD or the first line of
// stdin and stores its bcrypt hash for email.
func setPassword(ctx context.Context, db *sql.DB, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return errors.New("usage: migrate passwd <email>")
	}
	password := os.Getenv("OURHOUR_PASSWORD")
	if password == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `update users set password_hash=$1 where lower(email)=$2`, hash, email)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no user with email %s", email)
	}
	return nil
}
