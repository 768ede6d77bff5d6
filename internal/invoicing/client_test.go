package invoicing_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-caisse/internal/invoicing"
	"github.com/noah-isme/backend-caisse/internal/resilience"
)

type fakeService struct {
	paid map[string]bool
}

func (f *fakeService) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/invoices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("status") != "open" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"ref":"F-100","clientName":"Dupont","issuedAt":"2024-03-01T10:00:00Z","total":"1500","depositAmount":"300","remainingBalance":"1200","paymentMethod":"3 chèques","status":"open"}]}`))
	})
	r.Post("/invoices/mark-paid", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Refs []string `json:"refs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		updated := 0
		for _, ref := range req.Refs {
			if !f.paid[ref] {
				f.paid[ref] = true
				updated++
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"updated": updated})
	})
	return r
}

func newClient(t *testing.T, h http.Handler) *invoicing.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return invoicing.NewClient(srv.URL+"/", "secret", resilience.HTTPClient{
		Client:      invoicing.NewHTTPClient(time.Second),
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
	})
}

func TestListInvoices(t *testing.T) {
	svc := &fakeService{paid: map[string]bool{}}
	client := newClient(t, svc.routes())

	invoices, err := client.ListInvoices(context.Background())
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	inv := invoices[0]
	require.Equal(t, "F-100", inv.Ref)
	require.Equal(t, "1200", inv.RemainingBalance.String())
	require.False(t, inv.Paid())
}

func TestMarkInvoicesPaidIsIdempotentUpstream(t *testing.T) {
	svc := &fakeService{paid: map[string]bool{}}
	client := newClient(t, svc.routes())
	ctx := context.Background()

	n, err := client.MarkInvoicesPaid(ctx, []string{"F-100"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = client.MarkInvoicesPaid(ctx, []string{"F-100"})
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = client.MarkInvoicesPaid(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestUnexpectedStatus(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("nope"))
	}))
	_, err := client.ListInvoices(context.Background())
	require.ErrorIs(t, err, invoicing.ErrUnexpected)

	var unconfigured *invoicing.Client
	_, err = unconfigured.ListInvoices(context.Background())
	require.ErrorIs(t, err, invoicing.ErrNotConfigured)
}
