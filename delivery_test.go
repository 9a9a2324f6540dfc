package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

// fakeTx satisfies pgx.Tx by embedding a nil interface and overriding
// only the two methods the delivery engine actually calls (Commit,
// Rollback) — the engine never calls Query/Exec/etc. directly on the
// transaction handle it receives back from BeginTx, only passes it
// through to Store methods, so a full pgx.Tx implementation isn't
// needed to exercise claimBatch/claimAndEmit against a fake.
type fakeTx struct {
	pgx.Tx
	committed bool
}

func (t *fakeTx) Commit(ctx context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { return nil }

// noopFlusher satisfies http.Flusher for tests that never touch a real
// network connection.
type noopFlusher struct{ flushed int }

func (f *noopFlusher) Flush() { f.flushed++ }

// fakeBatchStore backs the batch-drain-idempotence test without a live
// Postgres: the pack has no database-fake library, so a small
// hand-written fake is the justified stdlib/hand-rolled choice (see
// DESIGN.md).
type fakeBatchStore struct {
	pending []MailWithAttachments
	claimed bool
}

func (f *fakeBatchStore) BeginTx(ctx context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }

func (f *fakeBatchStore) ClaimDueDispatchesBatch(ctx context.Context, tx pgx.Tx, consumerID int64, cooldown time.Duration) ([]MailWithAttachments, error) {
	if f.claimed {
		return nil, nil
	}
	f.claimed = true
	return f.pending, nil
}

func TestClaimBatchDrainIdempotence(t *testing.T) {
	fake := &fakeBatchStore{
		pending: []MailWithAttachments{
			{MailData: MailData{MailCore: MailCore{ID: "A"}, Data: []byte(simpleMessage)}},
			{MailData: MailData{MailCore: MailCore{ID: "B"}, Data: []byte(simpleMessage)}},
		},
	}
	engine := &DeliveryEngine{cooldown: time.Hour, testHook: noopHook}

	first, err := engine.claimBatch(context.Background(), fake, 1, nil)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, "A", first[0].ID)
	require.Equal(t, "B", first[1].ID)

	second, err := engine.claimBatch(context.Background(), fake, 1, nil)
	require.NoError(t, err)
	require.Empty(t, second)
}

// fakeDispatchStore backs the stream-with-mid-stream-insert test: a
// small in-memory queue for the drain phase plus a single-slot
// "notified" mail the test hook populates to simulate an external
// producer's NOTIFY arriving between drain and wait.
type fakeDispatchStore struct {
	due      []Dispatch
	notified *Dispatch
	mails    map[string]MailWithAttachments
	advanced []string
}

func (f *fakeDispatchStore) BeginTx(ctx context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }

func (f *fakeDispatchStore) ClaimOneDueDispatch(ctx context.Context, tx pgx.Tx, consumerID int64, mailID *string) (*Dispatch, error) {
	if mailID != nil {
		if f.notified != nil && f.notified.MailID == *mailID {
			d := f.notified
			f.notified = nil
			return d, nil
		}
		return nil, nil
	}
	if len(f.due) == 0 {
		return nil, nil
	}
	d := f.due[0]
	f.due = f.due[1:]
	return &d, nil
}

func (f *fakeDispatchStore) LoadMailForDispatch(ctx context.Context, tx pgx.Tx, mailID string) (*MailWithAttachments, error) {
	m := f.mails[mailID]
	return &m, nil
}

func (f *fakeDispatchStore) AdvanceDispatch(ctx context.Context, q pgxQuerier, consumerID int64, mailID string, cooldown time.Duration) error {
	f.advanced = append(f.advanced, mailID)
	return nil
}

func TestStreamingDrainThenNotifiedMidStreamInsert(t *testing.T) {
	fake := &fakeDispatchStore{
		due: []Dispatch{{MailID: "test-stream-1"}, {MailID: "test-stream-2"}},
		mails: map[string]MailWithAttachments{
			"test-stream-1": {MailData: MailData{MailCore: MailCore{ID: "test-stream-1"}, Data: []byte(simpleMessage)}},
			"test-stream-2": {MailData: MailData{MailCore: MailCore{ID: "test-stream-2"}, Data: []byte(simpleMessage)}},
			"test-stream-3": {MailData: MailData{MailCore: MailCore{ID: "test-stream-3"}, Data: []byte(simpleMessage)}},
		},
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	flusher := &noopFlusher{}
	engine := &DeliveryEngine{cooldown: time.Hour}
	ctx := context.Background()

	emitted, err := engine.claimAndEmit(ctx, fake, 1, nil, nil, enc, flusher)
	require.NoError(t, err)
	require.True(t, emitted)

	emitted, err = engine.claimAndEmit(ctx, fake, 1, nil, nil, enc, flusher)
	require.NoError(t, err)
	require.True(t, emitted)

	emitted, err = engine.claimAndEmit(ctx, fake, 1, nil, nil, enc, flusher)
	require.NoError(t, err)
	require.False(t, emitted, "drain must exhaust once due dispatches run out")

	hookCalled := false
	engine.testHook = func() {
		hookCalled = true
		fake.notified = &Dispatch{MailID: "test-stream-3"}
	}
	engine.testHook()
	require.True(t, hookCalled)

	mailID := "test-stream-3"
	emitted, err = engine.claimAndEmit(ctx, fake, 1, &mailID, nil, enc, flusher)
	require.NoError(t, err)
	require.True(t, emitted)

	var lines []MailResource
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var r MailResource
		require.NoError(t, dec.Decode(&r))
		lines = append(lines, r)
	}
	require.Len(t, lines, 3)
	require.Equal(t, "test-stream-1", lines[0].ID)
	require.Equal(t, "test-stream-2", lines[1].ID)
	require.Equal(t, "test-stream-3", lines[2].ID)
	require.Equal(t, []string{"test-stream-1", "test-stream-2", "test-stream-3"}, fake.advanced)
	require.Equal(t, 3, flusher.flushed)
}

// TestClaimOneDueDispatchIgnoresUnrelatedNotification models the "mail
// X has no dispatch" half of scenario 3: a notification naming a mail
// id with no matching claimable Dispatch must not be treated as an
// error or emit anything.
func TestClaimOneDueDispatchIgnoresUnrelatedNotification(t *testing.T) {
	fake := &fakeDispatchStore{mails: map[string]MailWithAttachments{}}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	flusher := &noopFlusher{}
	engine := &DeliveryEngine{cooldown: time.Hour}

	mailID := "test-stream-x"
	emitted, err := engine.claimAndEmit(context.Background(), fake, 1, &mailID, nil, enc, flusher)
	require.NoError(t, err)
	require.False(t, emitted)
	require.Equal(t, 0, buf.Len())
}
