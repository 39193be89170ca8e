package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polytrader/internal/adapters/notify"
	"github.com/alejandrodnm/polytrader/internal/domain"
)

// blockingNotifier bloquea cada entrega hasta que se libera release.
type blockingNotifier struct {
	mu      sync.Mutex
	release chan struct{}
	got     []string
	fail    bool
}

func (b *blockingNotifier) record(s string) error {
	if b.release != nil {
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, s)
	if b.fail {
		return errors.New("webhook down")
	}
	return nil
}

func (b *blockingNotifier) NotifyAlert(_ context.Context, a domain.AnomalyAlert) error {
	return b.record("alert:" + a.MarketID)
}

func (b *blockingNotifier) NotifyDecision(_ context.Context, d domain.Decision) error {
	return b.record("decision:" + d.MarketID)
}

func (b *blockingNotifier) NotifyClose(_ context.Context, p domain.Position) error {
	return b.record("close:" + p.TradeID)
}

func (b *blockingNotifier) delivered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.got...)
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	next := &blockingNotifier{}
	d := notify.NewDispatcher(next, 10)
	ctx := context.Background()

	require.NoError(t, d.NotifyAlert(ctx, domain.AnomalyAlert{MarketID: "m1"}))
	require.NoError(t, d.NotifyDecision(ctx, domain.Decision{MarketID: "m2"}))
	require.NoError(t, d.NotifyClose(ctx, domain.Position{TradeID: "bot_1"}))
	require.NoError(t, d.Close(ctx))

	assert.Equal(t, []string{"alert:m1", "decision:m2", "close:bot_1"}, next.delivered())
}

func TestDispatcher_DropsWhenFullWithoutBlocking(t *testing.T) {
	next := &blockingNotifier{release: make(chan struct{})}
	d := notify.NewDispatcher(next, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, d.NotifyDecision(ctx, domain.Decision{MarketID: "m"}))
	}
	assert.Less(t, time.Since(start), time.Second)

	close(next.release)
	require.NoError(t, d.Close(ctx))
	// uno en curso en el worker + uno en la cola
	assert.LessOrEqual(t, len(next.delivered()), 2)
	assert.GreaterOrEqual(t, len(next.delivered()), 1)
}

func TestDispatcher_DeliveryErrorsAreSwallowed(t *testing.T) {
	next := &blockingNotifier{fail: true}
	d := notify.NewDispatcher(next, 4)
	require.NoError(t, d.NotifyAlert(context.Background(), domain.AnomalyAlert{MarketID: "m1"}))
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, next.delivered(), 1)
}

func TestDispatcher_CloseHonoursContext(t *testing.T) {
	next := &blockingNotifier{release: make(chan struct{})}
	defer close(next.release)
	d := notify.NewDispatcher(next, 4)
	require.NoError(t, d.NotifyAlert(context.Background(), domain.AnomalyAlert{MarketID: "m1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
}
