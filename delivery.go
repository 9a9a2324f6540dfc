package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// batchClaimer is the subset of Store the batch delivery path depends
// on, narrowed to an interface so batch drain idempotence can be
// tested against an in-memory fake instead of a live Postgres (no
// database-fake library exists anywhere in the retrieval pack; see
// DESIGN.md).
type batchClaimer interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	ClaimDueDispatchesBatch(ctx context.Context, tx pgx.Tx, consumerID int64, cooldown time.Duration) ([]MailWithAttachments, error)
}

// dispatchClaimer is the subset of Store the streaming delivery path
// depends on (claim_one_due_dispatch, used both for the drain phase
// and the notification-driven claim).
type dispatchClaimer interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	ClaimOneDueDispatch(ctx context.Context, tx pgx.Tx, consumerID int64, mailID *string) (*Dispatch, error)
	LoadMailForDispatch(ctx context.Context, tx pgx.Tx, mailID string) (*MailWithAttachments, error)
	AdvanceDispatch(ctx context.Context, q pgxQuerier, consumerID int64, mailID string, cooldown time.Duration) error
}

// streamTestHook is invoked between the drain and wait phases of a
// streaming session. Defaulted to a no-op; tests inject a callback
// here instead of reaching for process-wide mutable state.
type streamTestHook func()

func noopHook() {}

// DeliveryEngine implements GET /mail in both its batch and streaming
// modes.
type DeliveryEngine struct {
	store    *Store
	pool     *pgxpool.Pool
	cooldown time.Duration
	waitFor  time.Duration
	log      *zap.Logger

	// testHook is called once per main-loop iteration, between the
	// drain and wait phases, in every streaming session this engine
	// creates. Exposed so tests can override it.
	testHook streamTestHook
}

func NewDeliveryEngine(store *Store, pool *pgxpool.Pool, cooldown, waitFor time.Duration, log *zap.Logger) *DeliveryEngine {
	return &DeliveryEngine{store: store, pool: pool, cooldown: cooldown, waitFor: waitFor, log: log, testHook: noopHook}
}

// ServeMail implements GET /mail, content-negotiating between batch
// and streaming mode.
func (e *DeliveryEngine) ServeMail(w http.ResponseWriter, r *http.Request) {
	consumer := ConsumerFromContext(r.Context())
	accepted := []string{"application/json", "application/x-ndjson"}
	mimetype := bestMatch(r.Header.Get("Accept"), accepted, "application/json")

	switch mimetype {
	case "application/json":
		e.serveBatch(w, r, consumer)
	case "application/x-ndjson":
		e.serveStream(w, r, consumer)
	default:
		httpError(e.log, w, r, errNotAcceptable())
	}
}

// serveBatch implements the application/json (batch) delivery mode.
func (e *DeliveryEngine) serveBatch(w http.ResponseWriter, r *http.Request, consumer *Consumer) {
	resources, err := e.claimBatch(r.Context(), e.store, consumer.ID, NewURLBuilder(r))
	if err != nil {
		httpError(e.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resources)
}

// claimBatch runs the whole batch round trip against any batchClaimer,
// so it can be exercised in tests against a fake as well as against
// the real Store.
func (e *DeliveryEngine) claimBatch(ctx context.Context, claimer batchClaimer, consumerID int64, builder *URLBuilder) ([]MailResource, error) {
	tx, err := claimer.BeginTx(ctx)
	if err != nil {
		return nil, newError(KindStoreError, err)
	}
	defer tx.Rollback(ctx)

	mails, err := claimer.ClaimDueDispatchesBatch(ctx, tx, consumerID, e.cooldown)
	if err != nil {
		return nil, newError(KindStoreError, err)
	}

	resources := make([]MailResource, 0, len(mails))
	for _, m := range mails {
		resource, err := LoadMailResource(m, builder)
		if err != nil {
			return nil, err
		}
		resources = append(resources, resource)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, newError(KindStoreError, err)
	}
	return resources, nil
}

// serveStream implements the application/x-ndjson (streaming) delivery
// mode: a long-lived NDJSON response interleaving a drain phase and a
// notification wait phase.
func (e *DeliveryEngine) serveStream(w http.ResponseWriter, r *http.Request, consumer *Consumer) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(e.log, w, r, newError(KindStoreError, errors.New("streaming unsupported by response writer")))
		return
	}

	// Resource acquisition order: dedicated notification connection
	// first, then LISTEN, with teardowns pushed onto a stack run in
	// reverse order on every exit path.
	var teardown []func()
	defer func() {
		for i := len(teardown) - 1; i >= 0; i-- {
			teardown[i]()
		}
	}()

	listener, err := listen(r.Context(), e.pool, consumer.ID)
	if err != nil {
		httpError(e.log, w, r, newError(KindStoreError, err))
		return
	}
	teardown = append(teardown, listener.close)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	ctx := r.Context()

	for {
		for {
			emitted, err := e.drainOne(ctx, consumer.ID, NewURLBuilder(r), enc, flusher)
			if err != nil {
				e.log.Error("stream drain failed", zap.Error(err))
				return
			}
			if !emitted {
				break
			}
			if ctx.Err() != nil {
				return
			}
		}

		e.testHook()

		mailID, err := listener.waitForMailID(ctx, e.waitFor)
		if err != nil {
			// Client disconnect or request cancellation.
			return
		}
		if mailID == "" {
			continue // timeout: resume drain
		}

		if err := e.claimNotified(ctx, consumer.ID, mailID, NewURLBuilder(r), enc, flusher); err != nil {
			e.log.Error("stream notification claim failed", zap.Error(err))
			return
		}
	}
}

// drainOne claims and emits a single due Dispatch. Returns
// emitted=false once claim_one_due_dispatch returns nothing, signaling
// the drain phase is exhausted.
func (e *DeliveryEngine) drainOne(ctx context.Context, consumerID int64, builder *URLBuilder, enc *json.Encoder, flusher http.Flusher) (bool, error) {
	return e.claimAndEmit(ctx, e.store, consumerID, nil, builder, enc, flusher)
}

// claimNotified claims the specific mail id a notification named. A
// nil claim (already handled, or not yet due) is not an error — the
// caller continues to the next notification.
func (e *DeliveryEngine) claimNotified(ctx context.Context, consumerID int64, mailID string, builder *URLBuilder, enc *json.Encoder, flusher http.Flusher) error {
	_, err := e.claimAndEmit(ctx, e.store, consumerID, &mailID, builder, enc, flusher)
	return err
}

// claimAndEmit is the shared single-Dispatch claim/load/commit/yield
// sequence used by both the drain and the notification-driven claim,
// run against any dispatchClaimer so scenario 3's mid-stream-insert
// test can drive it against an in-memory fake.
func (e *DeliveryEngine) claimAndEmit(ctx context.Context, claimer dispatchClaimer, consumerID int64, mailID *string, builder *URLBuilder, enc *json.Encoder, flusher http.Flusher) (bool, error) {
	tx, err := claimer.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	dispatch, err := claimer.ClaimOneDueDispatch(ctx, tx, consumerID, mailID)
	if err != nil {
		return false, err
	}
	if dispatch == nil {
		return false, nil
	}

	mail, err := claimer.LoadMailForDispatch(ctx, tx, dispatch.MailID)
	if err != nil {
		return false, err
	}
	if err := claimer.AdvanceDispatch(ctx, tx, consumerID, dispatch.MailID, e.cooldown); err != nil {
		return false, err
	}

	resource, err := LoadMailResource(*mail, builder)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	if err := enc.Encode(resource); err != nil {
		return false, err
	}
	flusher.Flush()
	return true, nil
}
