package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polytrader/internal/adapters/sharedstore"
	"github.com/alejandrodnm/polytrader/internal/domain"
)

var now = time.Date(2026, 7, 3, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func fastCfg(id string) Config {
	return Config{InstanceID: id, Attempts: 3, Backoff: time.Millisecond, Timeout: time.Second}
}

func localState(id string) domain.InstanceSnapshot {
	pnl := 12.5
	return domain.InstanceSnapshot{
		State: domain.PortfolioState{InstanceID: id, InitialCapital: 1000, Cash: 800, TotalTrades: 3, TradeCounter: 3},
		Open: []domain.Position{
			{TradeID: "bot_1", InstanceID: id, MarketID: "m1", Stake: 100, Status: domain.PositionOpen, EntryTime: now},
			{TradeID: "bot_2", InstanceID: id, MarketID: "m2", Stake: 100, Status: domain.PositionOpen, EntryTime: now.Add(time.Minute)},
		},
		Closed: []domain.Position{
			{TradeID: "bot_0", InstanceID: id, MarketID: "m0", Stake: 50, Status: domain.PositionClosed, RealizedPnL: pnl, EntryTime: now.Add(-time.Hour)},
		},
		Activity:   []domain.ActivityEntry{{ID: "e1", Action: "SELL", TradeID: "bot_0", PnL: &pnl, Timestamp: now}},
		Categories: map[string]string{"m1": "crypto"},
		Blacklist:  []string{"m9"},
	}
}

// flakyStore fails the first n Upsert calls.
type flakyStore struct {
	*sharedstore.MemoryStore
	failures int32
	calls    int32
}

func (f *flakyStore) Upsert(ctx context.Context, recs ...domain.ReconciliationRecord) error {
	atomic.AddInt32(&f.calls, 1)
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Upsert(ctx, recs...)
}

func TestPushThenPullFromSecondInstance(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	a := New(store, fastCfg("inst-a"), clock)
	b := New(store, fastCfg("inst-b"), clock)

	local := localState("inst-a")
	require.NoError(t, a.Push(context.Background(), local))

	view, err := b.Pull(context.Background())
	require.NoError(t, err)
	require.Contains(t, view.Instances, "inst-a")
	got := view.Instances["inst-a"]

	assert.Equal(t, local.State, got.State)
	assert.Equal(t, local.Open, got.Open)
	assert.Equal(t, local.Closed, got.Closed)
	assert.Equal(t, local.Activity, got.Activity)
	assert.Equal(t, local.Categories, got.Categories)
	assert.Equal(t, local.Blacklist, got.Blacklist)
	assert.Equal(t, now, view.PulledAt)
	assert.Equal(t, []string{"inst-a"}, b.PeerIDs())
}

func TestPullExcludesSelf(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	a := New(store, fastCfg("inst-a"), clock)
	require.NoError(t, a.Push(context.Background(), localState("inst-a")))

	view, err := a.Pull(context.Background())
	require.NoError(t, err)
	assert.Empty(t, view.Instances)
}

func TestPush_DeletesRowsOfClosedPositions(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	a := New(store, fastCfg("inst-a"), clock)
	ctx := context.Background()

	local := localState("inst-a")
	require.NoError(t, a.Push(ctx, local))

	// bot_1 se cierra
	closed := local.Open[0]
	closed.Status = domain.PositionClosed
	local.Closed = append(local.Closed, closed)
	local.Open = local.Open[1:]
	local.Blacklist = nil
	require.NoError(t, a.Push(ctx, local))

	open, err := store.Keys(ctx, "inst-a", domain.RecordOpenTrade)
	require.NoError(t, err)
	assert.Equal(t, []string{"bot_2"}, open)

	done, err := store.Keys(ctx, "inst-a", domain.RecordClosedTrade)
	require.NoError(t, err)
	assert.Equal(t, []string{"bot_0", "bot_1"}, done)

	bl, _ := store.Keys(ctx, "inst-a", domain.RecordBlacklist)
	assert.Empty(t, bl)
}

func TestPush_NeverWritesOtherInstanceKeys(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	ctx := context.Background()
	b := New(store, fastCfg("inst-b"), clock)
	require.NoError(t, b.Push(ctx, localState("inst-b")))
	before, _ := store.Load(ctx, "inst-b")

	a := New(store, fastCfg("inst-a"), clock)
	require.NoError(t, a.Push(ctx, localState("inst-a")))
	_, err := a.Pull(ctx)
	require.NoError(t, err)

	after, _ := store.Load(ctx, "inst-b")
	assert.Equal(t, before, after)
}

func TestPush_RetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: sharedstore.NewMemoryStore(), failures: 2}
	a := New(store, fastCfg("inst-a"), clock)

	require.NoError(t, a.Push(context.Background(), localState("inst-a")))
	assert.EqualValues(t, 3, atomic.LoadInt32(&store.calls))
	last, lastErr := a.Status()
	assert.Equal(t, now, last)
	assert.NoError(t, lastErr)
}

func TestPush_GivesUpAfterAttemptLimit(t *testing.T) {
	store := &flakyStore{MemoryStore: sharedstore.NewMemoryStore(), failures: 10}
	a := New(store, fastCfg("inst-a"), clock)

	err := a.Push(context.Background(), localState("inst-a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.EqualValues(t, 3, atomic.LoadInt32(&store.calls))

	_, lastErr := a.Status()
	assert.Error(t, lastErr)

	// el siguiente push reintenta también los cerrados no publicados
	store.failures = 0
	require.NoError(t, a.Push(context.Background(), localState("inst-a")))
	closed, _ := store.Keys(context.Background(), "inst-a", domain.RecordClosedTrade)
	assert.Equal(t, []string{"bot_0"}, closed)
}

func TestSync_PushFailureDoesNotDropPeerView(t *testing.T) {
	mem := sharedstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, New(mem, fastCfg("inst-b"), clock).Push(ctx, localState("inst-b")))

	store := &flakyStore{MemoryStore: mem}
	a := New(store, fastCfg("inst-a"), clock)
	require.NoError(t, a.Sync(ctx, localState("inst-a")))
	require.Contains(t, a.Peers().Instances, "inst-b")

	store.failures = 100
	err := a.Sync(ctx, localState("inst-a"))
	assert.Error(t, err)
	assert.Contains(t, a.Peers().Instances, "inst-b")
}

func TestPush_RespectsCancelledContext(t *testing.T) {
	store := &flakyStore{MemoryStore: sharedstore.NewMemoryStore(), failures: 10}
	a := New(store, Config{InstanceID: "inst-a", Attempts: 5, Backoff: time.Hour, Timeout: time.Second}, clock)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := a.Push(ctx, localState("inst-a"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDecode_RejectsCorruptPayload(t *testing.T) {
	_, err := Decode("x", []domain.ReconciliationRecord{{InstanceID: "x", Kind: domain.RecordOpenTrade, Key: "t", Payload: []byte(`{bad`)}})
	assert.Error(t, err)
}
