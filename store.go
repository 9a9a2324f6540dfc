package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MailCore holds the attributes of a Mail row that are never deferred.
type MailCore struct {
	ID   string
	Date time.Time
	Text string
}

// MailData is the "text projection": a Mail with its raw bytes loaded,
// but no attachments (used by the text/plain and message/rfc822 read
// modes, where attachments are never needed).
type MailData struct {
	MailCore
	Data []byte
}

// AttachmentMeta is the "metadata projection" of an Attachment: every
// column except the large data blob, which callers must explicitly
// fetch via AttachmentData when they need the bytes.
type AttachmentMeta struct {
	MailID string
	Number int
	Name   *string
	Type   string
	Code   *string
}

// AttachmentFull additionally carries the attachment's payload.
type AttachmentFull struct {
	AttachmentMeta
	Data []byte
}

// MailWithAttachments is the "JSON projection": Mail bytes plus
// eagerly-loaded attachment metadata, in stored (ascending number)
// order. This is what the materializer (mime.go) consumes.
type MailWithAttachments struct {
	MailData
	Attachments []AttachmentMeta
}

// Consumer identifies a feed subscriber.
type Consumer struct {
	ID   int64
	Name string
}

// Dispatch is a per-(consumer, mail) delivery schedule row.
type Dispatch struct {
	ConsumerID int64
	MailID     string
	LastTime   *time.Time
	NextTime   time.Time
	CreatedAt  time.Time
}

// pgxQuerier is satisfied by *pgxpool.Pool, pgx.Tx, and *pgxpool.Conn.
// Store methods accept it instead of a concrete type so callers choose
// whether a query runs standalone or inside a caller-managed
// transaction — the latter is required whenever a row lock must
// outlive the statement that takes it.
type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the access layer the rest of the system issues typed
// queries through. Apart from BeginTx and IngestMail (which begins and
// commits its own transaction), it owns no transaction boundaries —
// the HTTP handlers and the delivery engine own the transaction
// lifecycle.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// BeginTx starts a transaction on the pool.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{})
}

// GetConsumer resolves a Consumer by id, or (nil, nil) if absent.
func (s *Store) GetConsumer(ctx context.Context, id int64) (*Consumer, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name FROM consumer WHERE id = $1`, id)
	var c Consumer
	if err := row.Scan(&c.ID, &c.Name); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// CreateConsumer inserts a new Consumer, store-assigning its id.
func (s *Store) CreateConsumer(ctx context.Context, name string) (*Consumer, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO consumer (name) VALUES ($1) RETURNING id, name`, name)
	var c Consumer
	if err := row.Scan(&c.ID, &c.Name); err != nil {
		return nil, err
	}
	return &c, nil
}

// loadAttachmentMeta loads attachment metadata (no data column) for
// the given mail ids, ordered by (mail_id, number) ascending so that
// per-mail slices come out in stored order (I3).
func loadAttachmentMeta(ctx context.Context, q pgxQuerier, mailIDs []string) (map[string][]AttachmentMeta, error) {
	out := make(map[string][]AttachmentMeta, len(mailIDs))
	if len(mailIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, `
		SELECT mail_id, number, name, type, code
		FROM attachment
		WHERE mail_id = ANY($1)
		ORDER BY mail_id, number ASC`, mailIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a AttachmentMeta
		if err := rows.Scan(&a.MailID, &a.Number, &a.Name, &a.Type, &a.Code); err != nil {
			return nil, err
		}
		out[a.MailID] = append(out[a.MailID], a)
	}
	return out, rows.Err()
}

// MailDataForConsumer looks up a single Mail's raw bytes for which a
// Dispatch(consumer, id) exists. Returns (nil, nil) if no such
// Dispatch-joined Mail exists.
func (s *Store) MailDataForConsumer(ctx context.Context, q pgxQuerier, consumerID int64, id string) (*MailData, error) {
	row := q.QueryRow(ctx, `
		SELECT m.id, m.date, m.text, m.data
		FROM mail m
		JOIN dispatch d ON d.mail_id = m.id
		WHERE d.consumer_id = $1 AND m.id = $2`, consumerID, id)

	var m MailData
	if err := row.Scan(&m.ID, &m.Date, &m.Text, &m.Data); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// MailWithAttachmentsForConsumer is MailDataForConsumer's JSON-mode
// sibling: Mail bytes plus eagerly-loaded attachment metadata.
func (s *Store) MailWithAttachmentsForConsumer(ctx context.Context, q pgxQuerier, consumerID int64, id string) (*MailWithAttachments, error) {
	data, err := s.MailDataForConsumer(ctx, q, consumerID, id)
	if err != nil || data == nil {
		return nil, err
	}
	attachments, err := loadAttachmentMeta(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	return &MailWithAttachments{MailData: *data, Attachments: attachments[id]}, nil
}

// AttachmentForConsumer returns the Attachment (metadata only) after
// taking a shared row-level lock, so a concurrent delete cannot race
// with the read. Must be called within a transaction — the lock is
// released when that transaction ends.
func (s *Store) AttachmentForConsumer(ctx context.Context, tx pgx.Tx, consumerID int64, mailID string, number int) (*AttachmentMeta, error) {
	row := tx.QueryRow(ctx, `
		SELECT a.mail_id, a.number, a.name, a.type, a.code
		FROM attachment a
		JOIN dispatch d ON d.mail_id = a.mail_id
		WHERE d.consumer_id = $1 AND a.mail_id = $2 AND a.number = $3
		FOR SHARE OF a`, consumerID, mailID, number)

	var a AttachmentMeta
	if err := row.Scan(&a.MailID, &a.Number, &a.Name, &a.Type, &a.Code); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// AttachmentData fetches the data column for an already-located
// attachment (separate query so AttachmentForConsumer's callers that
// only need JSON metadata never pull the blob).
func (s *Store) AttachmentData(ctx context.Context, q pgxQuerier, mailID string, number int) ([]byte, error) {
	row := q.QueryRow(ctx, `SELECT data FROM attachment WHERE mail_id = $1 AND number = $2`, mailID, number)
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteDispatch removes the single Dispatch row, returning the
// number of rows affected (0 or 1).
func (s *Store) DeleteDispatch(ctx context.Context, q pgxQuerier, consumerID int64, mailID string) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM dispatch WHERE consumer_id = $1 AND mail_id = $2`, consumerID, mailID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ClaimDueDispatchesBatch implements claim_due_dispatches_batch: a
// single CTE updates every eligible Dispatch row for consumerID, and
// the outer SELECT returns the corresponding Mail rows in ascending
// pre-update next_time order with attachments eagerly loaded. Must run
// inside a transaction so the FOR KEY SHARE lock on mail holds until
// the attachment fetch completes.
func (s *Store) ClaimDueDispatchesBatch(ctx context.Context, tx pgx.Tx, consumerID int64, cooldown time.Duration) ([]MailWithAttachments, error) {
	// dispatch_update's own RETURNING would hand back next_time *after*
	// the SET runs, and since the replacement value is a statement
	// constant, every claimed row would tie on it — "ascending pre-update
	// next_time" order is only recoverable by capturing next_time in
	// the claim CTE before the UPDATE touches it.
	rows, err := tx.Query(ctx, `
		WITH claim AS (
			SELECT mail_id, next_time
			FROM dispatch
			WHERE consumer_id = $1 AND next_time <= now()
			FOR UPDATE
		),
		dispatch_update AS (
			UPDATE dispatch
			SET last_time = now(), next_time = now() + $2::interval
			FROM claim
			WHERE dispatch.consumer_id = $1 AND dispatch.mail_id = claim.mail_id
			RETURNING dispatch.mail_id
		)
		SELECT m.id, m.date, m.text, m.data
		FROM claim c
		JOIN dispatch_update du ON du.mail_id = c.mail_id
		JOIN mail m ON m.id = c.mail_id
		ORDER BY c.next_time ASC
		FOR KEY SHARE OF m`, consumerID, cooldown)
	if err != nil {
		return nil, err
	}

	var result []MailWithAttachments
	var ids []string
	for rows.Next() {
		var m MailData
		if err := rows.Scan(&m.ID, &m.Date, &m.Text, &m.Data); err != nil {
			rows.Close()
			return nil, err
		}
		result = append(result, MailWithAttachments{MailData: m})
		ids = append(ids, m.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	attachments, err := loadAttachmentMeta(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Attachments = attachments[result[i].ID]
	}
	return result, nil
}

// ClaimOneDueDispatch implements claim_one_due_dispatch(consumer,
// [mail_id]): selects one Dispatch row matching consumerID (and, if
// mailID is non-nil, that specific mail) with next_time <= now(),
// ordered by next_time ascending, limit 1, under a "for no key update"
// lock. Returns (nil, nil) if no row matches.
func (s *Store) ClaimOneDueDispatch(ctx context.Context, tx pgx.Tx, consumerID int64, mailID *string) (*Dispatch, error) {
	var row pgx.Row
	if mailID != nil {
		row = tx.QueryRow(ctx, `
			SELECT consumer_id, mail_id, last_time, next_time, created_at
			FROM dispatch
			WHERE consumer_id = $1 AND mail_id = $2 AND next_time <= now()
			ORDER BY next_time ASC
			LIMIT 1
			FOR NO KEY UPDATE`, consumerID, *mailID)
	} else {
		row = tx.QueryRow(ctx, `
			SELECT consumer_id, mail_id, last_time, next_time, created_at
			FROM dispatch
			WHERE consumer_id = $1 AND next_time <= now()
			ORDER BY next_time ASC
			LIMIT 1
			FOR NO KEY UPDATE`, consumerID)
	}

	var d Dispatch
	if err := row.Scan(&d.ConsumerID, &d.MailID, &d.LastTime, &d.NextTime, &d.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// LoadMailForDispatch lazily loads the Mail (with eagerly-loaded
// attachments) a claimed Dispatch refers to.
func (s *Store) LoadMailForDispatch(ctx context.Context, tx pgx.Tx, mailID string) (*MailWithAttachments, error) {
	row := tx.QueryRow(ctx, `SELECT id, date, text, data FROM mail WHERE id = $1`, mailID)
	var m MailData
	if err := row.Scan(&m.ID, &m.Date, &m.Text, &m.Data); err != nil {
		return nil, err
	}
	attachments, err := loadAttachmentMeta(ctx, tx, []string{mailID})
	if err != nil {
		return nil, err
	}
	return &MailWithAttachments{MailData: m, Attachments: attachments[mailID]}, nil
}

// AdvanceDispatch sets last_time = now() and next_time = now() + cooldown.
func (s *Store) AdvanceDispatch(ctx context.Context, q pgxQuerier, consumerID int64, mailID string, cooldown time.Duration) error {
	_, err := q.Exec(ctx, `
		UPDATE dispatch
		SET last_time = now(), next_time = now() + $3::interval
		WHERE consumer_id = $1 AND mail_id = $2`, consumerID, mailID, cooldown)
	return err
}

// CreateDispatch creates a Dispatch(consumerID, mailID) row, defaulting
// next_time to now(), and notifies the consumer's channel so any
// streaming session picks it up. Stands in for an external producer
// publishing new mail, so the system is exercisable end-to-end without
// a second service.
func (s *Store) CreateDispatch(ctx context.Context, tx pgx.Tx, consumerID int64, mailID string) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO dispatch (consumer_id, mail_id) VALUES ($1, $2)`, consumerID, mailID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, listenChannelName(consumerID), mailID)
	return err
}

// IngestMail inserts a Mail and its Attachments in one transaction.
// The caller is responsible for creating any Dispatch rows afterward
// (via CreateDispatch, in the same or a subsequent transaction).
func (s *Store) IngestMail(ctx context.Context, mail MailData, attachments []AttachmentFull) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO mail (id, date, text, data) VALUES ($1, $2, $3, $4)`,
		mail.ID, mail.Date, mail.Text, mail.Data); err != nil {
		return err
	}

	for _, a := range attachments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO attachment (mail_id, number, name, type, code, data)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			mail.ID, a.Number, a.Name, a.Type, a.Code, a.Data); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
