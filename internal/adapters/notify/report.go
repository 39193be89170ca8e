package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

// StatusInput bundles everything PrintStatus and PrintReport need.
type StatusInput struct {
	InstanceID string
	Running    bool
	Portfolio  domain.PortfolioState
	Equity     float64
	Open       []domain.Position
	Closed     []domain.Position
	Risk       domain.RiskState
	Alerts     []domain.AnomalyAlert
	Rejections []domain.Decision
	Top        []domain.Opportunity
	Peers      domain.PeerView
	LastSync   time.Time
}

// PrintStatus prints a compact status for the current cycle. In table mode it
// adds the open positions and the best ranked candidates.
func (c *Console) PrintStatus(in StatusInput) {
	st := in.Portfolio
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s][%s] cash $%.2f | equity $%.2f | open %d | trades %d | win %.0f%% | pnl %s",
		c.stamp(), in.InstanceID, st.Cash, in.Equity, len(in.Open), st.TotalTrades,
		st.WinRate()*100, signed(st.RealizedPnL))
	if in.Risk.Tripped {
		fmt.Fprintf(&sb, " | BREAKER %s until %s", in.Risk.TrippedReason, in.Risk.RearmAt.Format("01-02 15:04"))
	}
	if !in.Running {
		sb.WriteString(" | STOPPED")
	}
	if n := len(in.Peers.Instances); n > 0 {
		fmt.Fprintf(&sb, " | peers %d", n)
	}
	c.printf("%s\n", sb.String())

	if !c.table {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(in.Open) > 0 {
		c.positionsTable(in.Open, false)
	}
	if len(in.Top) > 0 {
		c.opportunitiesTable(in.Top)
	}
}

// PrintReport prints the full ledger report: positions, alerts and peers.
func (c *Console) PrintReport(in StatusInput) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := in.Portfolio
	fmt.Fprintf(c.out, "\n")
	fmt.Fprintf(c.out, "========================================================\n")
	fmt.Fprintf(c.out, "  PAPER LEDGER REPORT  instance %s\n", in.InstanceID)
	fmt.Fprintf(c.out, "========================================================\n\n")
	fmt.Fprintf(c.out, "  Initial capital: $%.2f\n", st.InitialCapital)
	fmt.Fprintf(c.out, "  Cash:            $%.2f\n", st.Cash)
	fmt.Fprintf(c.out, "  Equity:          $%.2f\n", in.Equity)
	fmt.Fprintf(c.out, "  Realized P&L:    %s\n", signed(st.RealizedPnL))
	fmt.Fprintf(c.out, "  Trades:          %d (W %d / L %d, win rate %.1f%%)\n",
		st.TotalTrades, st.WinningTrades, st.LosingTrades, st.WinRate()*100)
	breaker := "armed"
	if in.Risk.Tripped {
		breaker = fmt.Sprintf("TRIPPED (%s), re-arms %s", in.Risk.TrippedReason, in.Risk.RearmAt.Format(time.RFC3339))
	}
	fmt.Fprintf(c.out, "  Daily realized:  %s | consecutive losses %d\n", signed(in.Risk.DailyRealized), in.Risk.ConsecutiveLosses)
	fmt.Fprintf(c.out, "  Breaker:         %s\n", breaker)

	fmt.Fprintf(c.out, "\n── OPEN POSITIONS (%d) ──\n", len(in.Open))
	if len(in.Open) > 0 {
		c.positionsTable(in.Open, false)
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	fmt.Fprintf(c.out, "\n── CLOSED POSITIONS (%d) ──\n", len(in.Closed))
	if len(in.Closed) > 0 {
		c.positionsTable(in.Closed, true)
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	fmt.Fprintf(c.out, "\n── ANOMALY ALERTS (%d) ──\n", len(in.Alerts))
	if len(in.Alerts) > 0 {
		tbl := tablewriter.NewWriter(c.out)
		tbl.Header("Time", "Sev", "Metric", "Market", "Value", "Threshold", "Count")
		for _, a := range in.Alerts {
			tbl.Append(
				a.Timestamp.Format("01-02 15:04"),
				string(a.Severity),
				string(a.Metric),
				compactName(domain.TruncateQuestion(a.Question, a.MarketID, 60), 35),
				fmt.Sprintf("%.2f", a.Value),
				fmt.Sprintf("%.2f", a.Threshold),
				fmt.Sprintf("%d", a.Occurrences),
			)
		}
		tbl.Render()
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	if len(in.Rejections) > 0 {
		fmt.Fprintf(c.out, "\n── RECENT REJECTIONS ──\n")
		counts := make(map[domain.RejectReason]int)
		for _, d := range in.Rejections {
			counts[d.Reason]++
		}
		reasons := make([]string, 0, len(counts))
		for r := range counts {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			fmt.Fprintf(c.out, "  %-22s %d\n", r, counts[domain.RejectReason(r)])
		}
	}

	fmt.Fprintf(c.out, "\n── PEER INSTANCES (%d) ──\n", len(in.Peers.Instances))
	if len(in.Peers.Instances) > 0 {
		ids := make([]string, 0, len(in.Peers.Instances))
		for id := range in.Peers.Instances {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		tbl := tablewriter.NewWriter(c.out)
		tbl.Header("Instance", "Cash", "Open", "Trades", "Win%", "P&L", "Updated")
		for _, id := range ids {
			p := in.Peers.Instances[id]
			tbl.Append(
				id,
				fmt.Sprintf("$%.2f", p.State.Cash),
				fmt.Sprintf("%d", len(p.Open)),
				fmt.Sprintf("%d", p.State.TotalTrades),
				fmt.Sprintf("%.0f", p.State.WinRate()*100),
				signed(p.State.RealizedPnL),
				p.State.UpdatedAt.Format("01-02 15:04"),
			)
		}
		tbl.Render()
		if !in.LastSync.IsZero() {
			fmt.Fprintf(c.out, "  last sync %s\n", in.LastSync.Format(time.RFC3339))
		}
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}
	fmt.Fprintln(c.out)
}

// positionsTable renders positions. Caller holds mu.
func (c *Console) positionsTable(ps []domain.Position, closed bool) {
	tbl := tablewriter.NewWriter(c.out)
	if closed {
		tbl.Header("Trade", "Market", "Out", "Hz", "Stake", "Entry", "Exit", "P&L", "Reason")
	} else {
		tbl.Header("Trade", "Market", "Out", "Hz", "Stake", "Entry", "Now", "uP&L", "Ends")
	}
	for _, p := range ps {
		name := compactName(domain.TruncateQuestion(p.Question, p.MarketID, 60), 35)
		if closed {
			tbl.Append(
				p.TradeID, name, string(p.Outcome), string(p.Horizon),
				fmt.Sprintf("$%.2f", p.Stake),
				fmt.Sprintf("%.3f", p.EntryPrice),
				fmt.Sprintf("%.3f", p.ExitPrice),
				signed(p.RealizedPnL),
				string(p.CloseReason),
			)
			continue
		}
		ends := "-"
		if !p.EndDate.IsZero() {
			ends = p.EndDate.Format("2006-01-02")
		}
		tbl.Append(
			p.TradeID, name, string(p.Outcome), string(p.Horizon),
			fmt.Sprintf("$%.2f", p.Stake),
			fmt.Sprintf("%.3f", p.EntryPrice),
			fmt.Sprintf("%.3f", p.CurrentPrice),
			signed(p.UnrealizedPnL(p.CurrentPrice)),
			ends,
		)
	}
	tbl.Render()
}

// opportunitiesTable renders ranked candidates. Caller holds mu.
func (c *Console) opportunitiesTable(opps []domain.Opportunity) {
	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("#", "Market", "Out", "Price", "Fair", "ER", "Days", "G", "Hz")
	for i, o := range opps {
		tbl.Append(
			fmt.Sprintf("%d", i+1),
			compactName(domain.TruncateQuestion(o.Question, o.MarketID, 60), 35),
			string(o.Outcome),
			fmt.Sprintf("%.3f", o.Price),
			fmt.Sprintf("%.3f", o.FairValue),
			fmt.Sprintf("%+.1f%%", o.ExpectedReturn*100),
			fmt.Sprintf("%.1f", o.Days),
			fmt.Sprintf("%.5f", o.Score),
			string(o.Horizon),
		)
	}
	tbl.Render()
}

func signed(v float64) string {
	if v < 0 {
		return fmt.Sprintf("-$%.2f", -v)
	}
	return fmt.Sprintf("+$%.2f", v)
}
