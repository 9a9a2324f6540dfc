// archiverctl is a small standalone admin binary talking directly to
// the database, in the spirit of maddyctl: it exists for operations
// the HTTP API intentionally has no surface for (consumer
// provisioning, manual ingest of an external producer's output). It is
// deliberately self-contained rather than importing the server binary
// — the server's package is `main` at the module root, mirroring the
// teacher's flat layout, and a `main` package cannot be imported.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "archiverctl: DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archiverctl: db connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	var runErr error
	switch os.Args[1] {
	case "consumer":
		runErr = runConsumer(ctx, pool, os.Args[2:])
	case "ingest":
		runErr = runIngest(ctx, pool, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "archiverctl: %v\n", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  archiverctl consumer create <name>
  archiverctl ingest <consumer-id> <path-to-eml>`)
}

// runConsumer implements "consumer create <name>".
func runConsumer(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	if len(args) != 2 || args[0] != "create" {
		usage()
		return fmt.Errorf("bad arguments")
	}
	name := args[1]

	var id int64
	row := pool.QueryRow(ctx, `INSERT INTO consumer (name) VALUES ($1) RETURNING id`, name)
	if err := row.Scan(&id); err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	fmt.Printf("consumer %d created: %s\n", id, name)
	return nil
}

// runIngest implements "ingest <consumer-id> <path-to-eml>": it reads
// an RFC 5322 message, extracts its id/date exactly as the server's
// ingest path does, stores it, and creates a Dispatch so the consumer
// immediately sees it as due. It does not run the full attachment
// sniff/decode pipeline (that lives server-side) — this command exists
// to make the system exercisable end to end without a second service,
// not to duplicate the full loader.
func runIngest(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	if len(args) != 2 {
		usage()
		return fmt.Errorf("bad arguments")
	}
	consumerID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad consumer id: %w", err)
	}
	path := args[1]

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	id, date, text, err := parseEnvelope(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO mail (id, date, text, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`, id, date, text, raw); err != nil {
		return fmt.Errorf("insert mail: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO dispatch (consumer_id, mail_id) VALUES ($1, $2)
		ON CONFLICT (consumer_id, mail_id) DO NOTHING`, consumerID, id); err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	fmt.Printf("ingested %s for consumer %d\n", id, consumerID)
	return nil
}

// parseEnvelope extracts the same (id, date, text) triple mime.go's
// LoadMailRecord does, minus attachment handling.
func parseEnvelope(raw []byte) (id string, date time.Time, text string, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", time.Time{}, "", err
	}
	defer mr.Close()

	msgID, ok, err := mr.Header.MessageID()
	if err != nil || !ok {
		return "", time.Time{}, "", fmt.Errorf("missing or unparseable Message-ID")
	}
	msgID = unquoteAngle(msgID)

	d, err := mr.Header.Date()
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("missing or unparseable Date")
	}

	var bodyParts []string
	for {
		part, perr := mr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			return "", time.Time{}, "", perr
		}
		if h, ok := part.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			if ct == "" || ct == "text/plain" {
				data, rerr := io.ReadAll(part.Body)
				if rerr != nil {
					return "", time.Time{}, "", rerr
				}
				bodyParts = append(bodyParts, string(data))
			}
		}
	}

	return msgID, d, strings.TrimSpace(strings.Join(bodyParts, "\n")), nil
}

// unquoteAngle strips a wrapping "<...>" pair, mirroring mime.go's
// unquoteToken for the one case this command needs.
func unquoteAngle(s string) string {
	if len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>' {
		return s[1 : len(s)-1]
	}
	return s
}
