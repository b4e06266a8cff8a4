package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/subtun/subtun/internal/auth"
	"github.com/subtun/subtun/internal/store/sqlite"
)

const apikeyUsage = `Usage:
  subtun apikey create --name <name> [--db <path>] [--pepper <pepper>]
  subtun apikey list   [--db <path>]
  subtun apikey revoke --id <key id> [--db <path>]
`

func runAPIKey(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, apikeyUsage)
		return 2
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "create":
		return runAPIKeyCreate(rest)
	case "list":
		return runAPIKeyList(rest)
	case "revoke":
		return runAPIKeyRevoke(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown apikey subcommand %q\n\n%s", sub, apikeyUsage)
		return 2
	}
}

func apikeyFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("apikey "+name, flag.ContinueOnError)
	db := fs.String("db", envOr("SUBTUN_DB_PATH", "./subtun.db"), "SQLite database path")
	return fs, db
}

func runAPIKeyCreate(args []string) int {
	fs, db := apikeyFlags("create")
	name := fs.String("name", "", "Human-readable key name")
	pepper := fs.String("pepper", os.Getenv("SUBTUN_API_KEY_PEPPER"), "API key hash pepper")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return fail(err)
	}
	if *name == "" {
		return fail(errors.New("missing --name"))
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		return fail(err)
	}

	s, err := sqlite.Open(*db)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = s.Close() }()

	rec, err := s.CreateAPIKey(context.Background(), *name, auth.HashAPIKey(key, *pepper))
	if err != nil {
		return fail(err)
	}

	// The plaintext key is shown exactly once; only its hash is stored.
	fmt.Printf("id:   %s\n", rec.ID)
	fmt.Printf("name: %s\n", rec.Name)
	fmt.Printf("key:  %s\n", key)
	return 0
}

func runAPIKeyList(args []string) int {
	fs, db := apikeyFlags("list")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return fail(err)
	}

	s, err := sqlite.Open(*db)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = s.Close() }()

	keys, err := s.ListAPIKeys(context.Background())
	if err != nil {
		return fail(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED\tSTATUS")
	for _, k := range keys {
		status := "active"
		if k.RevokedAt != nil {
			status = "revoked " + k.RevokedAt.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k.ID, k.Name, k.CreatedAt.Format("2006-01-02 15:04"), status)
	}
	return exitFlush(w)
}

func runAPIKeyRevoke(args []string) int {
	fs, db := apikeyFlags("revoke")
	id := fs.String("id", "", "Key id to revoke")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return fail(err)
	}
	if *id == "" {
		return fail(errors.New("missing --id"))
	}

	s, err := sqlite.Open(*db)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = s.Close() }()

	if err := s.RevokeAPIKey(context.Background(), *id); err != nil {
		return fail(fmt.Errorf("revoke %s: %w", *id, err))
	}
	fmt.Printf("revoked %s\n", *id)
	return 0
}

func exitFlush(w *tabwriter.Writer) int {
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	return 0
}
