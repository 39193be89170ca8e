package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

// Console implementa ports.Notifier escribiendo una línea por evento.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	table bool
	now   func() time.Time
}

// NewConsole crea un notificador que escribe a stdout.
// Con table=true los reportes incluyen tablas completas.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table, now: time.Now}
}

// NotifyAlert imprime una alerta de anomalía.
func (c *Console) NotifyAlert(_ context.Context, a domain.AnomalyAlert) error {
	value := fmt.Sprintf("%.3f", a.Value)
	threshold := fmt.Sprintf("%.3f", a.Threshold)
	if a.Metric == domain.MetricTradeSize {
		value = fmt.Sprintf("$%.2f", a.Value)
		threshold = fmt.Sprintf("$%.2f", a.Threshold)
	}
	c.printf("[%s] !! %s %s %s %s (threshold %s, x%d)\n",
		c.stamp(), strings.ToUpper(string(a.Severity)), a.Metric,
		domain.TruncateQuestion(a.Question, a.MarketID, 40), value, threshold, a.Occurrences)
	return nil
}

// NotifyDecision imprime una entrada aprobada o un rechazo.
func (c *Console) NotifyDecision(_ context.Context, d domain.Decision) error {
	name := domain.TruncateQuestion(d.Question, d.MarketID, 40)
	if d.Approved {
		c.printf("[%s] OPEN  %s %s %s stake $%.2f\n", c.stamp(), d.TradeID, d.Outcome, name, d.Stake)
		return nil
	}
	if d.Detail == "" {
		c.printf("[%s] SKIP  %s %s: %s\n", c.stamp(), d.Outcome, name, d.Reason)
		return nil
	}
	c.printf("[%s] SKIP  %s %s: %s (%s)\n", c.stamp(), d.Outcome, name, d.Reason, d.Detail)
	return nil
}

// NotifyClose imprime el cierre de una posición.
func (c *Console) NotifyClose(_ context.Context, p domain.Position) error {
	sign := "+"
	if p.RealizedPnL < 0 {
		sign = "-"
	}
	c.printf("[%s] CLOSE %s %s %s @%.3f→%.3f %s$%.2f (%s)\n",
		c.stamp(), p.TradeID, p.Outcome, domain.TruncateQuestion(p.Question, p.MarketID, 40),
		p.EntryPrice, p.ExitPrice, sign, abs(p.RealizedPnL), p.CloseReason)
	return nil
}

func (c *Console) stamp() string {
	return c.now().Format("15:04:05")
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func compactName(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := s[:maxLen]
	if idx := strings.LastIndex(cut, " "); idx > maxLen/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
