package pending

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-caisse/internal/invoicing"
	"github.com/noah-isme/backend-caisse/internal/ledger"
	"github.com/noah-isme/backend-caisse/internal/sales"
	"github.com/noah-isme/backend-caisse/internal/settlement"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(n int) time.Time { return time.Date(2026, 3, n, 10, 0, 0, 0, time.UTC) }

type fakeSales struct {
	list []sales.Sale
	err  error
}

func (f fakeSales) ListSales(context.Context) ([]sales.Sale, error) { return f.list, f.err }

type fakeLedger struct {
	list []ledger.Invoice
	err  error
}

func (f fakeLedger) ListInvoices(context.Context) ([]ledger.Invoice, error) { return f.list, f.err }

type fakeExternal struct {
	mu       sync.Mutex
	invoices map[string]invoicing.Invoice
	listErr  error
	markErr  map[string]error
	delay    time.Duration
	calls    int
	inflight int
	peak     int
}

func newExternal(invs ...invoicing.Invoice) *fakeExternal {
	f := &fakeExternal{invoices: map[string]invoicing.Invoice{}, markErr: map[string]error{}}
	for _, inv := range invs {
		f.invoices[inv.Ref] = inv
	}
	return f
}

func (f *fakeExternal) ListInvoices(context.Context) ([]invoicing.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]invoicing.Invoice, 0, len(f.invoices))
	for _, inv := range f.invoices {
		out = append(out, inv)
	}
	return out, nil
}

func (f *fakeExternal) MarkInvoicesPaid(_ context.Context, refs []string) (int, error) {
	f.mu.Lock()
	f.calls++
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	n := 0
	for _, ref := range refs {
		if err := f.markErr[ref]; err != nil {
			return 0, err
		}
		inv := f.invoices[ref]
		inv.Status = "paid"
		f.invoices[ref] = inv
		n++
	}
	return n, nil
}

func deferredSale(id string, at time.Time, checks ...string) sales.Sale {
	stl := settlement.Settlement{
		ID:         "stl-" + id,
		Total:      d("1000"),
		Deposit:    &settlement.Deposit{Amount: d("200"), Method: settlement.MethodCash},
		Instrument: settlement.Instrument{Kind: settlement.KindDeferredChecks, Count: len(checks), PerCheckAmount: d(checks[len(checks)-1])},
		Balance:    d("800"),
		CreatedAt:  at,
	}
	for i, c := range checks {
		stl.Checks = append(stl.Checks, settlement.Check{Number: i + 1, Amount: d(c), DueDate: at.AddDate(0, i, 0)})
	}
	return sales.Sale{ID: id, ClientName: "Durand", VendorName: "Alice", Settlement: stl, CreatedAt: at}
}

func ledgerInvoice(id string, at time.Time, method string, total, deposit, count, amount string) ledger.Invoice {
	n := int(d(count).IntPart())
	return ledger.Invoice{
		ID:         id,
		Ref:        "FAC-" + id,
		ClientName: "Martin",
		VendorName: "Bob",
		IssuedAt:   at,
		Total:      d(total),
		Payment:    &ledger.Payment{Method: method, Deposit: d(deposit), CheckCount: n, CheckAmount: d(amount)},
	}
}

func externalInvoice(ref string, at time.Time, remaining string, count int) invoicing.Invoice {
	return invoicing.Invoice{
		Ref:              ref,
		ClientName:       "Petit",
		VendorName:       "Chloé",
		IssuedAt:         at,
		Total:            d("1500"),
		DepositAmount:    d("100"),
		RemainingBalance: d(remaining),
		PaymentMethod:    "Chèques",
		CheckCount:       count,
		Status:           "open",
	}
}

func ids(items []PendingPayment) []string {
	out := make([]string, len(items))
	for i, p := range items {
		out[i] = p.ID
	}
	return out
}

func TestListOrdersByDateThenID(t *testing.T) {
	r := &Reconciler{
		Sales:    fakeSales{list: []sales.Sale{deferredSale("s1", day(5), "400", "400")}},
		Ledger:   fakeLedger{list: []ledger.Invoice{ledgerInvoice("L1", day(5), "cheque", "900", "100", "2", "300")}},
		External: newExternal(externalInvoice("F-9", day(7), "600", 2), externalInvoice("F-1", day(1), "300", 1)),
	}

	first, err := r.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"external:F-9", "ledger:L1", "sale:s1", "external:F-1"}, ids(first))

	again, err := r.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestListKeepsSameRefFromDifferentSources(t *testing.T) {
	sale := deferredSale("A-1", day(2), "400", "400")
	sale.InvoiceRef = "FAC-A-1"
	inv := externalInvoice("FAC-A-1", day(2), "800", 2)
	r := &Reconciler{
		Sales:    fakeSales{list: []sales.Sale{sale, sale}},
		External: newExternal(inv),
	}

	items, err := r.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"external:FAC-A-1", "sale:A-1"}, ids(items))
}

func TestSaleEntries(t *testing.T) {
	canceled := deferredSale("s2", day(3), "400", "400")
	canceled.Canceled = true
	cash := deferredSale("s3", day(3), "800")
	cash.Settlement.Instrument = settlement.Instrument{Kind: settlement.KindCash}
	cash.Settlement.Checks = nil

	r := &Reconciler{Sales: fakeSales{list: []sales.Sale{
		deferredSale("s1", day(3), "267", "267", "266"), canceled, cash,
	}}}
	items, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)

	p := items[0]
	require.Equal(t, SourceSale, p.SourceKind)
	require.Equal(t, "s1", p.SourceID)
	require.Equal(t, 3, p.CheckPlan.Count)
	require.True(t, p.CheckPlan.TotalChecks.Equal(d("800")))
	require.True(t, p.RemainingBalance.Equal(d("800")))
	require.True(t, p.DepositAmount.Equal(d("200")))
	require.True(t, p.GrossTotal.Equal(d("1000")))
	require.False(t, p.CheckPlan.Estimated)
}

func TestLedgerEntries(t *testing.T) {
	done := ledgerInvoice("L3", day(4), "chèque", "900", "100", "2", "300")
	done.Payment.Completed = true
	noPayment := ledgerInvoice("L4", day(4), "cheque", "900", "0", "0", "0")
	noPayment.Payment = nil
	explicit := ledgerInvoice("L5", day(4), "CHEQUES", "1000", "100", "3", "0")
	total := d("600")
	explicit.Payment.ChecksTotal = &total

	r := &Reconciler{Ledger: fakeLedger{list: []ledger.Invoice{
		ledgerInvoice("L1", day(4), "Chèque x2", "1000", "200", "2", "300"),
		ledgerInvoice("L2", day(4), "Espèces", "1000", "200", "0", "0"),
		done, noPayment, explicit,
		ledgerInvoice("L6", day(4), "check", "500", "200", "2", "200"),
	}}}
	items, err := r.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"ledger:L1", "ledger:L5", "ledger:L6"}, ids(items))

	require.True(t, items[0].RemainingBalance.Equal(d("200")), items[0].RemainingBalance.String())
	require.True(t, items[0].CheckPlan.TotalChecks.Equal(d("600")))
	require.True(t, items[0].CheckPlan.PerCheckAmount.Equal(d("300")))

	require.True(t, items[1].RemainingBalance.Equal(d("300")))
	require.True(t, items[1].CheckPlan.PerCheckAmount.Equal(d("200")))

	require.True(t, items[2].RemainingBalance.IsZero(), "remaining never goes negative")
}

func TestExternalEntries(t *testing.T) {
	paid := externalInvoice("F-3", day(6), "400", 1)
	paid.Status = "PAID"
	card := externalInvoice("F-4", day(6), "400", 1)
	card.PaymentMethod = "carte bancaire"

	r := &Reconciler{External: newExternal(
		externalInvoice("F-1", day(6), "1000", 0),
		externalInvoice("F-2", day(5), "500", 0),
		externalInvoice("F-5", day(4), "900", 3),
		externalInvoice("F-6", day(4), "0", 2),
		paid, card,
	)}
	items, err := r.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"external:F-1", "external:F-2", "external:F-5"}, ids(items))

	est := items[0].CheckPlan
	require.True(t, est.Estimated)
	require.Equal(t, 4, est.Count)
	require.True(t, est.PerCheckAmount.Equal(d("250")))
	require.Equal(t, "~4 × 250.00", est.Label())

	require.Equal(t, 1, items[1].CheckPlan.Count)
	require.True(t, items[1].CheckPlan.Estimated)

	require.Equal(t, 3, items[2].CheckPlan.Count)
	require.False(t, items[2].CheckPlan.Estimated)
	require.Equal(t, "3 × 300.00", items[2].CheckPlan.Label())
}

type listedExternal []invoicing.Invoice

func (l listedExternal) ListInvoices(context.Context) ([]invoicing.Invoice, error) { return l, nil }

func (l listedExternal) MarkInvoicesPaid(_ context.Context, refs []string) (int, error) {
	return len(refs), nil
}

func TestExternalEntriesWithoutRefAreSkipped(t *testing.T) {
	first := externalInvoice("", day(6), "100", 1)
	first.ClientName = "Arnaud"
	second := externalInvoice(" ", day(5), "200", 1)
	second.ClientName = "Bernard"

	var logs bytes.Buffer
	log := zerolog.New(&logs)
	r := &Reconciler{
		External: listedExternal{first, second, externalInvoice("F-7", day(4), "300", 1)},
		Logger:   &log,
	}

	items, err := r.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"external:F-7"}, ids(items))
	require.Equal(t, 2, strings.Count(logs.String(), "pending_external_missing_ref"))
	require.Contains(t, logs.String(), "Bernard")

	res, err := r.MarkCollected(context.Background(), []string{"external:F-7"})
	require.NoError(t, err)
	require.Equal(t, 1, res.UpdatedCount)
}

func TestEstimateCheckCount(t *testing.T) {
	cases := map[string]int{
		"0":      1,
		"120":    1,
		"500":    1,
		"500.01": 2,
		"600":    2,
		"601":    3,
		"3000":   10,
	}
	for in, want := range cases {
		require.Equal(t, want, EstimateCheckCount(d(in)), in)
	}
}

func TestSourceErrors(t *testing.T) {
	boom := errors.New("redis down")

	r := &Reconciler{Ledger: fakeLedger{err: boom}}
	_, err := r.List(context.Background())
	require.ErrorIs(t, err, ErrSourceUnavailable)

	ext := newExternal()
	ext.listErr = errors.New("503")
	r = &Reconciler{
		Sales:    fakeSales{list: []sales.Sale{deferredSale("s1", day(2), "800")}},
		External: ext,
	}
	_, err = r.List(context.Background())
	require.ErrorIs(t, err, ErrSourceUnavailable)

	r.TolerateExternalFailure = true
	items, err := r.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"sale:s1"}, ids(items))
}

func TestMarkCollected(t *testing.T) {
	ext := newExternal(externalInvoice("F-1", day(2), "600", 2), externalInvoice("F-2", day(2), "300", 1))
	ext.markErr["F-2"] = errors.New("upstream 500")
	r := &Reconciler{External: ext}

	res, err := r.MarkCollected(context.Background(), []string{"sale:s1", "ledger:L1", "bogus", "external:F-1", "external:F-2", "external:F-1"})
	require.NoError(t, err)
	require.Equal(t, 1, res.UpdatedCount)
	require.Empty(t, res.Skipped)

	codes := map[string]string{}
	for _, f := range res.Failures {
		codes[f.ID] = f.Code
	}
	require.Equal(t, map[string]string{
		"sale:s1":      "LOCAL_SOURCE_NOT_MARKABLE",
		"ledger:L1":    "LOCAL_SOURCE_NOT_MARKABLE",
		"bogus":        "INVALID_ID",
		"external:F-2": "UPSTREAM_ERROR",
	}, codes)
	require.Equal(t, 2, ext.calls)

	again, err := r.MarkCollected(context.Background(), []string{"external:F-1"})
	require.NoError(t, err)
	require.Zero(t, again.UpdatedCount)
	require.Equal(t, []string{"external:F-1"}, again.Skipped)
	require.Empty(t, again.Failures)
	require.Equal(t, 2, ext.calls, "already collected refs are not resent")

	items, err := r.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"external:F-2"}, ids(items))
}

func TestMarkCollectedWithoutExternal(t *testing.T) {
	r := &Reconciler{Sales: fakeSales{}}
	res, err := r.MarkCollected(context.Background(), []string{"external:F-1"})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "SOURCE_UNAVAILABLE", res.Failures[0].Code)
}

func TestMarkCollectedBoundsConcurrency(t *testing.T) {
	var invs []invoicing.Invoice
	var batch []string
	for _, ref := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		invs = append(invs, externalInvoice(ref, day(1), "100", 1))
		batch = append(batch, MakeID(SourceExternal, ref))
	}
	ext := newExternal(invs...)
	ext.delay = 20 * time.Millisecond
	r := &Reconciler{External: ext, Concurrency: 3}

	res, err := r.MarkCollected(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 7, res.UpdatedCount)
	require.LessOrEqual(t, ext.peak, 3)
	require.Greater(t, ext.peak, 1)
}

func TestMarkCollectedCanceledContext(t *testing.T) {
	ext := newExternal(externalInvoice("F-1", day(1), "100", 1))
	r := &Reconciler{External: ext}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.MarkCollected(ctx, []string{"external:F-1"})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "CANCELED", res.Failures[0].Code)
	require.Zero(t, ext.calls)
}

func TestSummary(t *testing.T) {
	r := &Reconciler{
		Sales:    fakeSales{list: []sales.Sale{deferredSale("s1", day(3), "400", "400")}},
		Ledger:   fakeLedger{list: []ledger.Invoice{ledgerInvoice("L1", day(2), "cheque", "1000", "200", "2", "300")}},
		External: newExternal(externalInvoice("F-1", day(1), "350.50", 1)),
	}
	sum, err := r.Summary(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, sum.Count)
	require.True(t, sum.Remaining.Equal(d("1350.50")), sum.Remaining.String())
	require.Len(t, sum.Sources, 3)
	require.Equal(t, SourceSale, sum.Sources[0].Source)
	require.True(t, sum.Sources[1].Remaining.Equal(d("200")))
}

func TestExportCSV(t *testing.T) {
	r := &Reconciler{External: newExternal(externalInvoice("F-1", day(9), "1000", 0))}
	rows, err := r.ExportRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "External invoicing", rows[0].Source)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "id,invoice_ref,client"))
	require.Equal(t, "external:F-1,F-1,Petit,Chloé,2026-03-09,100.00,4,250.00,1000.00,1000.00,1500.00,External invoicing", lines[1])
}

func TestParseID(t *testing.T) {
	kind, id, err := ParseID(" external:FAC:12 ")
	require.NoError(t, err)
	require.Equal(t, SourceExternal, kind)
	require.Equal(t, "FAC:12", id)

	for _, bad := range []string{"", "sale:", "nope", "other:1"} {
		_, _, err := ParseID(bad)
		require.ErrorIs(t, err, ErrInvalidID, bad)
	}
}

func TestCollectTask(t *testing.T) {
	a, err := NewCollectTask([]string{"external:B", "external:A"})
	require.NoError(t, err)
	b, err := NewCollectTask([]string{"external:A", "external:B"})
	require.NoError(t, err)
	require.Equal(t, CollectTaskKind, a.Kind)
	require.Equal(t, a.IdempotencyKey, b.IdempotencyKey)
	require.Equal(t, a.Payload, b.Payload)
	require.Zero(t, a.MaxAttempts)

	ext := newExternal(externalInvoice("A", day(1), "100", 1), externalInvoice("B", day(1), "100", 1))
	ext.markErr["B"] = errors.New("timeout")
	r := &Reconciler{External: ext}
	require.ErrorIs(t, r.HandleCollectTask(context.Background(), a), ErrCollectIncomplete)

	delete(ext.markErr, "B")
	require.NoError(t, r.HandleCollectTask(context.Background(), a))

	local, err := NewCollectTask([]string{"sale:s1"})
	require.NoError(t, err)
	require.NoError(t, r.HandleCollectTask(context.Background(), local))
}
