package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

var spinner = []string{"|", "/", "-", `\`}

// Console implementa ports.Notifier.
type Console struct {
	mu        sync.Mutex
	out       io.Writer
	now       func() time.Time
	statusOn  bool // hay una línea de estado sin terminar
	frame     int
	statusLen int
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w, now: time.Now}
}

// Outcome imprime una línea por ciclo de ejecución terminado.
func (c *Console) Outcome(_ context.Context, out domain.ExecutionOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endStatus()

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", c.now().Format("15:04:05"), statusIcon(out.Status))
	fmt.Fprintf(&sb, " %s %s", shortAddr(out.Counterparty), out.Summary())
	if n := len(out.Trades); n > 1 {
		fmt.Fprintf(&sb, " [%d trades]", n)
	}
	fmt.Fprintln(c.out, sb.String())
}

// Heartbeat rewrites the status line in place.
func (c *Console) Heartbeat(traders, pendingGroups int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line := fmt.Sprintf("[%s] %s watching %d trader(s)", c.now().Format("15:04:05"), spinner[c.frame], traders)
	if pendingGroups > 0 {
		line += fmt.Sprintf(" | %d group(s) aggregating", pendingGroups)
	}
	c.frame = (c.frame + 1) % len(spinner)

	pad := ""
	if c.statusLen > len(line) {
		pad = strings.Repeat(" ", c.statusLen-len(line))
	}
	fmt.Fprintf(c.out, "\r%s%s", line, pad)
	c.statusOn = true
	c.statusLen = len(line)
}

func (c *Console) endStatus() {
	if c.statusOn {
		fmt.Fprintln(c.out)
		c.statusOn = false
		c.statusLen = 0
	}
}

// Check es el resultado de un health check de arranque.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// PrintChecks imprime los resultados de -check. Devuelve false si alguno falló.
func (c *Console) PrintChecks(checks []Check) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endStatus()

	ok := true
	table := tablewriter.NewWriter(c.out)
	table.Header("Check", "Result", "Detail")
	for _, ch := range checks {
		res := "OK"
		if !ch.OK {
			res = "FAIL"
			ok = false
		}
		table.Append(ch.Name, res, ch.Detail)
	}
	table.Render()
	return ok
}

// PrintWallet imprime el saldo y las posiciones propias al arrancar.
func (c *Console) PrintWallet(address string, balance float64, positions []domain.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endStatus()

	var exposure float64
	for _, p := range positions {
		exposure += p.Exposure()
	}
	fmt.Fprintf(c.out, "\n  Wallet:    %s\n", address)
	fmt.Fprintf(c.out, "  Balance:   $%.2f USDC\n", balance)
	fmt.Fprintf(c.out, "  Positions: %d open, $%.2f cost basis\n\n", len(positions), exposure)

	if len(positions) == 0 {
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Outcome", "Tokens", "Avg", "Value")
	for _, p := range positions {
		table.Append(
			marketName(p.Title, p.ConditionID),
			p.Outcome,
			fmt.Sprintf("%.2f", p.Size),
			fmt.Sprintf("%.3f", p.AvgPrice),
			fmt.Sprintf("$%.2f", p.CurrentValue),
		)
	}
	table.Render()
}

// PrintTraders shows how many positions are stored per tracked trader.
func (c *Console) PrintTraders(traders []string, positionCounts map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endStatus()

	table := tablewriter.NewWriter(c.out)
	table.Header("Trader", "Positions")
	for _, t := range traders {
		table.Append(t, fmt.Sprintf("%d", positionCounts[t]))
	}
	table.Render()
}

// PrintExecutions imprime el historial reciente de ejecuciones.
func (c *Console) PrintExecutions(outcomes []domain.ExecutionOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endStatus()

	if len(outcomes) == 0 {
		fmt.Fprintln(c.out, "  No executions recorded yet.")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Time", "Trader", "Status", "Side", "Requested", "Filled", "USDC", "Trades")
	for _, o := range outcomes {
		table.Append(
			o.FinishedAt.Local().Format("01-02 15:04:05"),
			shortAddr(o.Counterparty),
			string(o.Status),
			string(o.Condition),
			fmt.Sprintf("%.2f", o.Requested),
			fmt.Sprintf("%.2f", o.FilledTokens),
			fmt.Sprintf("$%.2f", o.FilledUSDC),
			fmt.Sprintf("%d", len(o.Trades)),
		)
	}
	table.Render()
}

// PrintAggregates imprime los grupos que esperan a que venza su ventana.
func (c *Console) PrintAggregates(aggs []domain.AggregatedTrade, window time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endStatus()

	if len(aggs) == 0 {
		return
	}
	now := c.now()
	table := tablewriter.NewWriter(c.out)
	table.Header("Trader", "Market", "Trades", "Total", "Avg price", "Flush in")
	for _, a := range aggs {
		left := window - now.Sub(a.FirstSeen)
		if left < 0 {
			left = 0
		}
		title := ""
		if len(a.Trades) > 0 {
			title = a.Trades[0].Title
		}
		table.Append(
			shortAddr(a.Key.Counterparty),
			marketName(title, a.Key.ConditionID),
			fmt.Sprintf("%d", len(a.Trades)),
			fmt.Sprintf("$%.2f", a.TotalUSDC),
			fmt.Sprintf("%.3f", a.AveragePrice),
			left.Truncate(time.Second).String(),
		)
	}
	table.Render()
}

// --- helpers ---

func statusIcon(s domain.OutcomeStatus) string {
	switch s {
	case domain.OutcomeSucceeded:
		return "OK"
	case domain.OutcomeAbortedInsufficientFunds, domain.OutcomeRetriesExhausted:
		return "!!"
	default:
		return "--"
	}
}

func shortAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

func marketName(title, conditionID string) string {
	if title != "" {
		return truncate(title, 38)
	}
	return truncate(conditionID, 14)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
