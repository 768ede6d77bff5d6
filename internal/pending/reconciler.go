package pending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/backend-caisse/internal/invoicing"
	"github.com/noah-isme/backend-caisse/internal/ledger"
	"github.com/noah-isme/backend-caisse/internal/money"
	"github.com/noah-isme/backend-caisse/internal/obs"
	"github.com/noah-isme/backend-caisse/internal/sales"
)

// SaleSource lists the register's recorded sales.
type SaleSource interface {
	ListSales(ctx context.Context) ([]sales.Sale, error)
}

// LedgerSource lists the hand-kept invoice ledger.
type LedgerSource interface {
	ListInvoices(ctx context.Context) ([]ledger.Invoice, error)
}

// ExternalSource reads and settles invoices held by the invoicing service.
type ExternalSource interface {
	ListInvoices(ctx context.Context) ([]invoicing.Invoice, error)
	MarkInvoicesPaid(ctx context.Context, refs []string) (int, error)
}

// DefaultIndicators match check payments in free-text payment methods.
var DefaultIndicators = []string{"cheque", "check"}

// Reconciler merges the three sources into one pending list. It caches
// nothing: every call re-reads the sources.
type Reconciler struct {
	Sales    SaleSource
	Ledger   LedgerSource
	External ExternalSource

	// Indicators are folded substrings that mark a payment method as check based.
	Indicators []string
	// Concurrency bounds parallel collection calls; zero or one means sequential.
	Concurrency int
	// TolerateExternalFailure lists local entries when the invoicing service is unreachable.
	TolerateExternalFailure bool

	Logger *zerolog.Logger
}

var tracer = otel.Tracer("pending")

// List returns the pending payments sorted by date, newest first; entries
// sharing a date are ordered by id. Each (source, id) pair appears once.
func (r *Reconciler) List(ctx context.Context) ([]PendingPayment, error) {
	ctx, span := tracer.Start(ctx, "pending.List")
	defer span.End()

	items, err := r.collect(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	items = merge(items)
	span.SetAttributes(attribute.Int("pending.count", len(items)))
	recordGauge(items)
	return items, nil
}

func (r *Reconciler) collect(ctx context.Context) ([]PendingPayment, error) {
	if r == nil {
		return nil, errors.New("pending reconciler not configured")
	}
	indicators := r.indicators()
	var items []PendingPayment

	if r.Sales != nil {
		list, err := r.Sales.ListSales(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: sales: %v", ErrSourceUnavailable, err)
		}
		for _, s := range list {
			if p, ok := fromSale(s); ok {
				items = append(items, p)
			}
		}
	}
	if r.Ledger != nil {
		list, err := r.Ledger.ListInvoices(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: ledger: %v", ErrSourceUnavailable, err)
		}
		for _, inv := range list {
			if p, ok := fromLedger(inv, indicators); ok {
				items = append(items, p)
			}
		}
	}
	if r.External != nil {
		list, err := r.External.ListInvoices(ctx)
		switch {
		case err != nil && r.TolerateExternalFailure:
			r.logger(ctx).Warn().Err(err).Msg("pending_external_unavailable")
		case err != nil:
			return nil, fmt.Errorf("%w: external: %v", ErrSourceUnavailable, err)
		}
		for _, inv := range list {
			if strings.TrimSpace(inv.Ref) == "" {
				r.logger(ctx).Warn().Str("client", inv.ClientName).Time("issued_at", inv.IssuedAt).Msg("pending_external_missing_ref")
				continue
			}
			if p, ok := fromExternal(inv, indicators); ok {
				items = append(items, p)
			}
		}
	}
	return items, nil
}

// merge sorts by date descending (ties by id) and drops repeated ids. Records
// from different sources are never merged with each other.
func merge(items []PendingPayment) []PendingPayment {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Date.Equal(items[j].Date) {
			return items[i].ID < items[j].ID
		}
		return items[i].Date.After(items[j].Date)
	})
	seen := make(map[string]struct{}, len(items))
	out := make([]PendingPayment, 0, len(items))
	for _, item := range items {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		out = append(out, item)
	}
	return out
}

// ExportRows projects List into flat rows, in the same order.
func (r *Reconciler) ExportRows(ctx context.Context) ([]Row, error) {
	items, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(items))
	for i, p := range items {
		rows[i] = Row{
			ID:             p.ID,
			InvoiceRef:     p.InvoiceRef,
			Client:         p.ClientLabel,
			Vendor:         p.VendorLabel,
			Date:           p.Date,
			Deposit:        p.DepositAmount,
			CheckCount:     p.CheckPlan.Count,
			PerCheckAmount: p.CheckPlan.PerCheckAmount,
			CheckTotal:     p.CheckPlan.TotalChecks,
			Remaining:      p.RemainingBalance,
			GrossTotal:     p.GrossTotal,
			Source:         p.SourceKind.Label(),
		}
	}
	return rows, nil
}

// Summary counts pending entries and remaining balance per source.
func (r *Reconciler) Summary(ctx context.Context) (Summary, error) {
	items, err := r.List(ctx)
	if err != nil {
		return Summary{}, err
	}
	return summarize(items), nil
}

func summarize(items []PendingPayment) Summary {
	bySource := map[SourceKind][]decimal.Decimal{}
	counts := map[SourceKind]int{}
	var all []decimal.Decimal
	for _, p := range items {
		bySource[p.SourceKind] = append(bySource[p.SourceKind], p.RemainingBalance)
		counts[p.SourceKind]++
		all = append(all, p.RemainingBalance)
	}
	out := Summary{Count: len(items), Remaining: money.Sum(all...)}
	for _, kind := range sourceOrder {
		out.Sources = append(out.Sources, SourceSummary{
			Source:    kind,
			Count:     counts[kind],
			Remaining: money.Sum(bySource[kind]...),
		})
	}
	return out
}

// MarkCollected flags external entries as paid in the invoicing service. Each
// id is handled on its own so one failure never blocks the others. Local ids
// fail with ErrLocalSourceNotMarkable. External refs that are no longer open
// upstream are skipped, which makes repeated calls harmless.
func (r *Reconciler) MarkCollected(ctx context.Context, ids []string) (CollectResult, error) {
	if r == nil {
		return CollectResult{}, errors.New("pending reconciler not configured")
	}
	ctx, span := tracer.Start(ctx, "pending.MarkCollected")
	defer span.End()
	span.SetAttributes(attribute.Int("pending.ids", len(ids)))

	result := CollectResult{Failures: []Failure{}}
	var externalIDs []string
	refByID := map[string]string{}
	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		kind, sourceID, err := ParseID(id)
		switch {
		case err != nil:
			result.Failures = append(result.Failures, failure(id, err))
		case kind.Local():
			result.Failures = append(result.Failures, failure(id, fmt.Errorf("%w: %s entries are settled in their own books", ErrLocalSourceNotMarkable, kind)))
			countCollect(kind, "not_markable")
		default:
			externalIDs = append(externalIDs, id)
			refByID[id] = sourceID
		}
	}
	if len(externalIDs) == 0 {
		return result, nil
	}
	if r.External == nil {
		for _, id := range externalIDs {
			result.Failures = append(result.Failures, failure(id, fmt.Errorf("%w: invoicing service not configured", ErrSourceUnavailable)))
		}
		return result, nil
	}

	open, err := r.External.ListInvoices(ctx)
	if err != nil {
		for _, id := range externalIDs {
			result.Failures = append(result.Failures, failure(id, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)))
			countCollect(SourceExternal, "error")
		}
		return result, nil
	}
	outstanding := map[string]bool{}
	for _, inv := range open {
		if !inv.Paid() && inv.RemainingBalance.IsPositive() {
			outstanding[inv.Ref] = true
		}
	}
	var toSend []string
	for _, id := range externalIDs {
		if outstanding[refByID[id]] {
			toSend = append(toSend, id)
			continue
		}
		result.Skipped = append(result.Skipped, id)
		countCollect(SourceExternal, "skipped")
	}

	outcomes := r.send(ctx, toSend, refByID)
	for _, id := range toSend {
		o := outcomes[id]
		if o.err != nil {
			result.Failures = append(result.Failures, failure(id, o.err))
			countCollect(SourceExternal, "error")
			continue
		}
		result.UpdatedCount += o.updated
		countCollect(SourceExternal, "ok")
	}
	r.logger(ctx).Info().
		Int("requested", len(ids)).
		Int("updated", result.UpdatedCount).
		Int("skipped", len(result.Skipped)).
		Int("failed", len(result.Failures)).
		Msg("pending_collect")
	span.SetAttributes(attribute.Int("pending.updated", result.UpdatedCount))
	return result, nil
}

type outcome struct {
	updated int
	err     error
}

func (r *Reconciler) send(ctx context.Context, ids []string, refByID map[string]string) map[string]outcome {
	out := make(map[string]outcome, len(ids))
	var mu sync.Mutex
	limit := r.Concurrency
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			out[id] = outcome{err: err}
			mu.Unlock()
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer func() { <-sem }()
			defer wg.Done()
			n, err := r.External.MarkInvoicesPaid(ctx, []string{refByID[id]})
			mu.Lock()
			out[id] = outcome{updated: n, err: err}
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

func (r *Reconciler) indicators() []string {
	if len(r.Indicators) == 0 {
		return DefaultIndicators
	}
	return r.Indicators
}

func (r *Reconciler) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	if r.Logger != nil {
		return r.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

func failure(id string, err error) Failure {
	return Failure{ID: id, Code: Code(err), Reason: err.Error(), Err: err}
}

// Code maps reconciler errors to API error codes.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrLocalSourceNotMarkable):
		return "LOCAL_SOURCE_NOT_MARKABLE"
	case errors.Is(err, ErrInvalidID):
		return "INVALID_ID"
	case errors.Is(err, ErrSourceUnavailable):
		return "SOURCE_UNAVAILABLE"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CANCELED"
	default:
		return "UPSTREAM_ERROR"
	}
}

func countCollect(kind SourceKind, result string) {
	if obs.PendingCollectTotal != nil {
		obs.PendingCollectTotal.WithLabelValues(string(kind), result).Inc()
	}
}

func recordGauge(items []PendingPayment) {
	if obs.PendingPayments == nil {
		return
	}
	counts := map[SourceKind]int{}
	for _, p := range items {
		counts[p.SourceKind]++
	}
	for _, kind := range sourceOrder {
		obs.PendingPayments.WithLabelValues(string(kind)).Set(float64(counts[kind]))
	}
}
