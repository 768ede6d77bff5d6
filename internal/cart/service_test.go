package cart_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-caisse/internal/cart"
	"github.com/noah-isme/backend-caisse/internal/kv"
	"github.com/noah-isme/backend-caisse/internal/lock"
	"github.com/noah-isme/backend-caisse/internal/pricing"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(t *testing.T) (*cart.Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	discounts, err := pricing.ParseDiscountTable("Matelas:0.20")
	require.NoError(t, err)
	n := 0
	return &cart.Service{
		KV:        kv.NewRedis(client, "caisse:"),
		Guard:     lock.Locker{R: client, Prefix: "lock:"},
		Discounts: discounts,
		TTL:       time.Hour,
		Now:       func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) },
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	}, mr
}

func TestCartLifecycle(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, "id-1", c.ID)
	require.Empty(t, c.Lines)
	require.True(t, c.Totals.GrandTotal.IsZero())

	c, err = svc.AddLine(ctx, c.ID, cart.LineInput{ID: "bed", Name: "Matelas 160", Category: "matelas", BaseUnitPrice: d("1800"), Quantity: 1})
	require.NoError(t, err)
	c, err = svc.AddLine(ctx, c.ID, cart.LineInput{Name: "Oreiller", Category: "Linge", BaseUnitPrice: d("100"), Quantity: 0})
	require.NoError(t, err)
	require.Len(t, c.Lines, 2)
	require.Equal(t, 1, c.Lines[1].Quantity, "quantity is clamped to one")
	require.True(t, c.Totals.GrandTotal.Equal(d("1540")), c.Totals.GrandTotal.String())

	pillow := c.Lines[1].ID
	c, err = svc.SetQuantity(ctx, c.ID, pillow, 2)
	require.NoError(t, err)
	c, err = svc.SetGifted(ctx, c.ID, pillow, true)
	require.NoError(t, err)
	require.True(t, c.Totals.GrandTotal.Equal(d("1440")))
	require.True(t, c.Totals.CategorySavings.Equal(d("360")))
	require.True(t, c.Totals.GiftedValue.Equal(d("200")))

	c, err = svc.SetOverride(ctx, c.ID, "bed", d("1350"), "client fidèle")
	require.NoError(t, err)
	require.True(t, c.Totals.GrandTotal.Equal(d("1350")))
	require.True(t, c.Totals.NegotiationSavings.Equal(d("90")))

	c, err = svc.ClearOverride(ctx, c.ID, "bed")
	require.NoError(t, err)
	line, ok := c.Line("bed")
	require.True(t, ok)
	require.NotNil(t, line.Override)
	require.False(t, line.Override.Enabled)
	require.True(t, line.Override.Price.Equal(d("1350")))
	require.True(t, c.Totals.GrandTotal.Equal(d("1440")))

	c, err = svc.RemoveLine(ctx, c.ID, pillow)
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)

	again, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.Lines, again.Lines)
	require.True(t, again.Totals.Balanced())
}

func TestCartErrors(t *testing.T) {
	svc, mr := newService(t)
	ctx := context.Background()

	_, err := svc.Get(ctx, "missing")
	require.ErrorIs(t, err, cart.ErrNotFound)

	c, err := svc.Create(ctx)
	require.NoError(t, err)
	_, err = svc.AddLine(ctx, c.ID, cart.LineInput{ID: "a", Name: "Sommier", BaseUnitPrice: d("-1"), Quantity: 1})
	require.ErrorIs(t, err, pricing.ErrInvalidPrice)

	_, err = svc.AddLine(ctx, c.ID, cart.LineInput{ID: "a", Name: "Sommier", BaseUnitPrice: d("300"), Quantity: 1})
	require.NoError(t, err)
	_, err = svc.AddLine(ctx, c.ID, cart.LineInput{ID: "a", Name: "Sommier", BaseUnitPrice: d("300"), Quantity: 1})
	require.ErrorIs(t, err, cart.ErrDuplicateLine)

	_, err = svc.SetQuantity(ctx, c.ID, "a", 0)
	require.ErrorIs(t, err, cart.ErrInvalidQuantity)
	_, err = svc.SetQuantity(ctx, c.ID, "zz", 2)
	require.ErrorIs(t, err, cart.ErrLineNotFound)
	_, err = svc.SetOverride(ctx, c.ID, "a", d("-5"), "")
	require.ErrorIs(t, err, pricing.ErrInvalidOverride)

	mr.FastForward(2 * time.Hour)
	_, err = svc.Get(ctx, c.ID)
	require.ErrorIs(t, err, cart.ErrNotFound, "carts expire after TTL")
}

func newRouter(svc *cart.Service) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1/carts", (&cart.Handler{Svc: svc}).Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestCartHandlers(t *testing.T) {
	svc, _ := newService(t)
	h := newRouter(svc)

	rr := do(t, h, http.MethodPost, "/api/v1/carts/", "")
	require.Equal(t, http.StatusCreated, rr.Code)
	var created struct {
		Data cart.Cart `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))
	base := "/api/v1/carts/" + created.Data.ID

	rr = do(t, h, http.MethodPost, base+"/lines", `{"id":"m1","name":"Matelas","category":"Matelas","baseUnitPrice":"1000","quantity":2}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, h, http.MethodPut, base+"/lines/m1/override", `{"price":"750","reason":"négocié"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var got struct {
		Data cart.Cart `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	require.True(t, got.Data.Totals.GrandTotal.Equal(d("1500")))
	require.True(t, got.Data.Totals.OriginalTotal.Equal(d("1600")))

	rr = do(t, h, http.MethodPatch, base+"/lines/m1", `{"quantity":0}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "INVALID_QUANTITY")

	rr = do(t, h, http.MethodPut, base+"/lines/m1/override", `{"price":"-1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, h, http.MethodPut, base+"/lines/m1/override", `{"reason":"x"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "VALIDATION_FAILED")

	rr = do(t, h, http.MethodPost, base+"/lines", `{"category":"Matelas","baseUnitPrice":"10"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodDelete, base+"/lines/nope", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/carts/unknown", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}
