package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/noah-isme/backend-caisse/internal/kv"
	"github.com/noah-isme/backend-caisse/internal/lock"
)

const kvDocument = "ledger:invoices"

// KVStore keeps the whole ledger as a single document. It is used when no
// database is configured.
type KVStore struct {
	KV      kv.Store
	Guard   lock.Guard
	LockTTL time.Duration
}

func (s *KVStore) load(ctx context.Context) (map[string]Invoice, error) {
	if s == nil || s.KV == nil {
		return nil, errors.New("ledger store not configured")
	}
	doc := map[string]Invoice{}
	if _, err := s.KV.GetJSON(ctx, kvDocument, &doc); err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return doc, nil
}

// ListInvoices returns every ledger entry ordered by issue date, newest first.
func (s *KVStore) ListInvoices(ctx context.Context) ([]Invoice, error) {
	doc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Invoice, 0, len(doc))
	for _, inv := range doc {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	return out, nil
}

// Get loads one entry.
func (s *KVStore) Get(ctx context.Context, id string) (Invoice, error) {
	doc, err := s.load(ctx)
	if err != nil {
		return Invoice{}, err
	}
	inv, ok := doc[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

// Save inserts or replaces an entry.
func (s *KVStore) Save(ctx context.Context, inv Invoice) error {
	if err := Validate(inv); err != nil {
		return err
	}
	if s == nil || s.KV == nil {
		return errors.New("ledger store not configured")
	}
	return lock.Run(ctx, s.Guard, "ledger", s.LockTTL, func(ctx context.Context) error {
		doc, err := s.load(ctx)
		if err != nil {
			return err
		}
		doc[inv.ID] = inv
		return s.KV.SetJSON(ctx, kvDocument, doc, 0)
	})
}
