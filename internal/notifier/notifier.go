package notifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"price-tracker/internal/evaluator"
	"price-tracker/internal/logger"
	"price-tracker/internal/models"
)

// Transport delivers a composed message. Implementations are external
// collaborators; the gate only decides and composes.
type Transport interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// Record remembers the last alert sent for a product within one run
type Record struct {
	Product  models.ProductName
	Discount decimal.Decimal
	SentAt   time.Time
}

// Gate decides whether an evaluation warrants an alert and suppresses a
// second alert for the same product. A Gate lives for exactly one scrape
// run; a new run starts with a new Gate.
type Gate struct {
	transport Transport
	recipient string
	log       *logger.Logger
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[models.ProductName]bool
	sent     map[models.ProductName]Record
}

// NewGate creates a gate for one run
func NewGate(transport Transport, recipient string, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.Nop()
	}
	return &Gate{
		transport: transport,
		recipient: recipient,
		log:       log.With("component", "notifier"),
		now:       time.Now,
		inFlight:  make(map[models.ProductName]bool),
		sent:      make(map[models.ProductName]Record),
	}
}

// MaybeNotify sends an alert when the observation shows a discount and the
// product has not been alerted in this run. Transport failures are logged
// and reported as not sent; they never propagate.
func (g *Gate) MaybeNotify(ctx context.Context, obs models.Observation, ev evaluator.Evaluation) bool {
	if !ev.DiscountPercent.IsPositive() {
		return false
	}

	g.mu.Lock()
	if _, done := g.sent[obs.Product]; done || g.inFlight[obs.Product] {
		g.mu.Unlock()
		g.log.Debug("Alert already sent this run", "product", obs.Product)
		return false
	}
	g.inFlight[obs.Product] = true
	g.mu.Unlock()

	subject, body := Compose(obs, ev)
	err := g.transport.Send(ctx, g.recipient, subject, body)

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, obs.Product)
	if err != nil {
		g.log.Warn("Notification failed", "product", obs.Product, "error", err)
		return false
	}
	g.sent[obs.Product] = Record{Product: obs.Product, Discount: ev.DiscountPercent, SentAt: g.now().UTC()}
	g.log.Info("Notification sent", "product", obs.Product, "discount", ev.DiscountString())
	return true
}

// Records returns the alerts sent so far, ordered by product name
func (g *Gate) Records() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Record, 0, len(g.sent))
	for _, r := range g.sent {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product < out[j].Product })
	return out
}

// Compose builds the alert subject and plain-text body
func Compose(obs models.Observation, ev evaluator.Evaluation) (string, string) {
	subject := fmt.Sprintf("Price drop: %s is %s off", obs.Product, ev.DiscountString())

	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s\n", obs.Product)
	fmt.Fprintf(&b, "Platform: %s\n", obs.Platform)
	fmt.Fprintf(&b, "Current price: %s\n", obs.CurrentPrice.StringFixed(2))
	fmt.Fprintf(&b, "Original price: %s\n", obs.OriginalPrice.StringFixed(2))
	fmt.Fprintf(&b, "Discount: %s\n", ev.DiscountString())
	fmt.Fprintf(&b, "Change since last check: %s\n", ev.PriceChangeString())
	fmt.Fprintf(&b, "Threshold: %s (%s)\n", obs.Threshold.StringFixed(2), ev.Status())
	if obs.URL != "" {
		fmt.Fprintf(&b, "\nLink: %s", obs.URL)
	}
	return subject, b.String()
}
