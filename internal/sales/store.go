// Package sales keeps the register's recorded sales in the key-value store.
package sales

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/noah-isme/backend-caisse/internal/kv"
	"github.com/noah-isme/backend-caisse/internal/lock"
	"github.com/noah-isme/backend-caisse/internal/pricing"
	"github.com/noah-isme/backend-caisse/internal/settlement"
)

var (
	ErrNotFound      = errors.New("sale not found")
	ErrInvalidSale   = errors.New("invalid sale")
	ErrDuplicateID   = errors.New("sale already recorded")
	errNotConfigured = errors.New("sales store not configured")
)

const (
	indexKey = "sales:index"
	lockKey  = "sales"
)

// Sale is a completed register transaction.
type Sale struct {
	ID         string                `json:"id"`
	InvoiceRef string                `json:"invoiceRef,omitempty"`
	ClientName string                `json:"clientName"`
	VendorName string                `json:"vendorName"`
	Lines      []pricing.Line        `json:"lines"`
	Totals     pricing.Totals        `json:"totals"`
	Settlement settlement.Settlement `json:"settlement"`
	Canceled   bool                  `json:"canceled"`
	CanceledAt *time.Time            `json:"canceledAt,omitempty"`
	CreatedAt  time.Time             `json:"createdAt"`
}

// HasDeferredChecks reports whether the balance is paid with deferred checks.
func (s Sale) HasDeferredChecks() bool {
	return s.Settlement.Instrument.Kind == settlement.KindDeferredChecks
}

// Store persists sales as one document per sale plus an id index. Writes to
// the index go through Guard when one is configured.
type Store struct {
	KV      kv.Store
	Guard   lock.Guard
	LockTTL time.Duration
}

// Save records a new sale.
func (s *Store) Save(ctx context.Context, sale Sale) error {
	if s == nil || s.KV == nil {
		return errNotConfigured
	}
	if strings.TrimSpace(sale.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSale)
	}
	return lock.Run(ctx, s.Guard, lockKey, s.LockTTL, func(ctx context.Context) error {
		ids, err := s.index(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if id == sale.ID {
				return fmt.Errorf("%w: %s", ErrDuplicateID, sale.ID)
			}
		}
		if err := s.KV.SetJSON(ctx, saleKey(sale.ID), sale, 0); err != nil {
			return fmt.Errorf("store sale: %w", err)
		}
		return s.KV.SetJSON(ctx, indexKey, append(ids, sale.ID), 0)
	})
}

// Get loads a sale by id.
func (s *Store) Get(ctx context.Context, id string) (Sale, error) {
	if s == nil || s.KV == nil {
		return Sale{}, errNotConfigured
	}
	var sale Sale
	found, err := s.KV.GetJSON(ctx, saleKey(id), &sale)
	if err != nil {
		return Sale{}, fmt.Errorf("load sale: %w", err)
	}
	if !found {
		return Sale{}, ErrNotFound
	}
	return sale, nil
}

// ListSales returns every recorded sale, newest first.
func (s *Store) ListSales(ctx context.Context) ([]Sale, error) {
	if s == nil || s.KV == nil {
		return nil, errNotConfigured
	}
	ids, err := s.index(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Sale, 0, len(ids))
	for _, id := range ids {
		sale, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Cancel flags the sale as canceled. Canceling twice keeps the first timestamp.
func (s *Store) Cancel(ctx context.Context, id string, at time.Time) (Sale, error) {
	if s == nil || s.KV == nil {
		return Sale{}, errNotConfigured
	}
	var out Sale
	err := lock.Run(ctx, s.Guard, lockKey, s.LockTTL, func(ctx context.Context) error {
		sale, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if !sale.Canceled {
			at = at.UTC()
			sale.Canceled = true
			sale.CanceledAt = &at
			if err := s.KV.SetJSON(ctx, saleKey(id), sale, 0); err != nil {
				return fmt.Errorf("store sale: %w", err)
			}
		}
		out = sale
		return nil
	})
	return out, err
}

func (s *Store) index(ctx context.Context) ([]string, error) {
	var ids []string
	if _, err := s.KV.GetJSON(ctx, indexKey, &ids); err != nil {
		return nil, fmt.Errorf("load sales index: %w", err)
	}
	return ids, nil
}

func saleKey(id string) string {
	return "sale:" + id
}
