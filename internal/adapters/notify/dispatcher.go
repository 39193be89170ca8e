package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polytrader/internal/domain"
	"github.com/alejandrodnm/polytrader/internal/metrics"
	"github.com/alejandrodnm/polytrader/internal/ports"
)

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 5 * time.Second
)

// Dispatcher entrega notificaciones en segundo plano para que un canal lento
// no frene el ciclo de decisión. Si la cola está llena, la notificación se
// descarta y se cuenta.
type Dispatcher struct {
	next    ports.Notifier
	queue   chan func(context.Context) error
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher arranca el worker de entrega. queueSize ≤ 0 usa 256.
func NewDispatcher(next ports.Notifier, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		next:    next,
		queue:   make(chan func(context.Context) error, queueSize),
		timeout: defaultSendTimeout,
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for send := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := send(ctx); err != nil {
			slog.Warn("notify: delivery failed", "err", err)
		}
		cancel()
	}
}

func (d *Dispatcher) enqueue(kind string, send func(context.Context) error) error {
	select {
	case d.queue <- send:
	default:
		metrics.NotificationsDropped.Inc()
		slog.Warn("notify: queue full, dropping", "kind", kind)
	}
	return nil
}

// NotifyAlert encola una alerta.
func (d *Dispatcher) NotifyAlert(_ context.Context, a domain.AnomalyAlert) error {
	return d.enqueue("alert", func(ctx context.Context) error { return d.next.NotifyAlert(ctx, a) })
}

// NotifyDecision encola una decisión.
func (d *Dispatcher) NotifyDecision(_ context.Context, dec domain.Decision) error {
	return d.enqueue("decision", func(ctx context.Context) error { return d.next.NotifyDecision(ctx, dec) })
}

// NotifyClose encola un cierre.
func (d *Dispatcher) NotifyClose(_ context.Context, p domain.Position) error {
	return d.enqueue("close", func(ctx context.Context) error { return d.next.NotifyClose(ctx, p) })
}

// Close deja de aceptar notificaciones y espera a vaciar la cola o a que
// venza ctx. No se puede notificar después de Close.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.queue) })
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
