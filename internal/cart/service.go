// Package cart holds the register's draft cart. Totals are never stored: every
// read or mutation recomputes them from the lines.
package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-caisse/internal/kv"
	"github.com/noah-isme/backend-caisse/internal/lock"
	"github.com/noah-isme/backend-caisse/internal/money"
	"github.com/noah-isme/backend-caisse/internal/obs"
	"github.com/noah-isme/backend-caisse/internal/pricing"
)

var (
	// ErrNotFound indicates the requested cart could not be located.
	ErrNotFound = errors.New("cart not found")
	// ErrLineNotFound indicates the line is not part of the cart.
	ErrLineNotFound = errors.New("cart line not found")
	// ErrInvalidQuantity is returned for quantities below one.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	// ErrDuplicateLine is returned when a line id is added twice.
	ErrDuplicateLine = errors.New("line already in cart")

	errNotConfigured = errors.New("cart service not configured")
)

// Cart is the draft sale as shown at the register.
type Cart struct {
	ID        string         `json:"id"`
	Lines     []pricing.Line `json:"lines"`
	Totals    pricing.Totals `json:"totals"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Line returns the line with id.
func (c Cart) Line(id string) (pricing.Line, bool) {
	for _, l := range c.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return pricing.Line{}, false
}

type document struct {
	ID        string         `json:"id"`
	Lines     []pricing.Line `json:"lines"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// LineInput is a new cart line.
type LineInput struct {
	ID            string          `json:"id"`
	Name          string          `json:"name" validate:"required,max=200"`
	Category      string          `json:"category" validate:"max=100"`
	BaseUnitPrice decimal.Decimal `json:"baseUnitPrice"`
	Quantity      int             `json:"quantity" validate:"gte=0,lte=999"`
	Gifted        bool            `json:"gifted"`
}

// Service encapsulates cart domain operations.
type Service struct {
	KV        kv.Store
	Guard     lock.Guard
	Discounts pricing.DiscountTable
	TTL       time.Duration
	LockTTL   time.Duration
	Now       func() time.Time
	NewID     func() string
}

func (s *Service) ttl() time.Duration {
	if s == nil || s.TTL <= 0 {
		return 72 * time.Hour
	}
	return s.TTL
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s != nil && s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func cartKey(id string) string { return "cart:" + id }

// Create starts an empty cart.
func (s *Service) Create(ctx context.Context) (Cart, error) {
	if s == nil || s.KV == nil {
		return Cart{}, errNotConfigured
	}
	now := s.now()
	doc := document{ID: s.newID(), Lines: []pricing.Line{}, CreatedAt: now, UpdatedAt: now}
	if err := s.KV.SetJSON(ctx, cartKey(doc.ID), doc, s.ttl()); err != nil {
		return Cart{}, fmt.Errorf("store cart: %w", err)
	}
	countMutation("create")
	return s.view(doc)
}

// Get loads a cart and prices it.
func (s *Service) Get(ctx context.Context, id string) (Cart, error) {
	doc, err := s.load(ctx, id)
	if err != nil {
		return Cart{}, err
	}
	return s.view(doc)
}

// Delete drops the cart, typically once it became a sale.
func (s *Service) Delete(ctx context.Context, id string) error {
	if s == nil || s.KV == nil {
		return errNotConfigured
	}
	return s.KV.Delete(ctx, cartKey(id))
}

// AddLine appends a line. Quantities below one are clamped to one.
func (s *Service) AddLine(ctx context.Context, id string, in LineInput) (Cart, error) {
	line := pricing.Line{
		ID:            strings.TrimSpace(in.ID),
		Name:          strings.TrimSpace(in.Name),
		Category:      strings.TrimSpace(in.Category),
		BaseUnitPrice: money.Round2(in.BaseUnitPrice),
		Quantity:      money.ClampNonNegative(in.Quantity),
		Gifted:        in.Gifted,
	}
	if line.ID == "" {
		line.ID = s.newID()
	}
	if line.Quantity < 1 {
		line.Quantity = 1
	}
	if err := pricing.Validate(line); err != nil {
		return Cart{}, err
	}
	return s.mutate(ctx, id, "add_line", func(doc *document) error {
		for _, l := range doc.Lines {
			if l.ID == line.ID {
				return fmt.Errorf("%w: %s", ErrDuplicateLine, line.ID)
			}
		}
		doc.Lines = append(doc.Lines, line)
		return nil
	})
}

// SetQuantity replaces the quantity of a line.
func (s *Service) SetQuantity(ctx context.Context, id, lineID string, qty int) (Cart, error) {
	if qty < 1 {
		return Cart{}, ErrInvalidQuantity
	}
	return s.mutateLine(ctx, id, lineID, "set_quantity", func(l *pricing.Line) error {
		l.Quantity = qty
		return nil
	})
}

// SetOverride enables a negotiated unit price on a line.
func (s *Service) SetOverride(ctx context.Context, id, lineID string, price decimal.Decimal, reason string) (Cart, error) {
	if price.IsNegative() {
		return Cart{}, &pricing.LineError{LineID: lineID, Err: pricing.ErrInvalidOverride}
	}
	return s.mutateLine(ctx, id, lineID, "set_override", func(l *pricing.Line) error {
		l.Override = &pricing.Override{Enabled: true, Price: money.Round2(price), Reason: strings.TrimSpace(reason)}
		return nil
	})
}

// ClearOverride disables the negotiated price, keeping the last value for audit.
func (s *Service) ClearOverride(ctx context.Context, id, lineID string) (Cart, error) {
	return s.mutateLine(ctx, id, lineID, "clear_override", func(l *pricing.Line) error {
		if l.Override != nil {
			l.Override.Enabled = false
		}
		return nil
	})
}

// SetGifted flags or unflags a line as a gift.
func (s *Service) SetGifted(ctx context.Context, id, lineID string, gifted bool) (Cart, error) {
	return s.mutateLine(ctx, id, lineID, "set_gifted", func(l *pricing.Line) error {
		l.Gifted = gifted
		return nil
	})
}

// RemoveLine deletes a line from the cart.
func (s *Service) RemoveLine(ctx context.Context, id, lineID string) (Cart, error) {
	return s.mutate(ctx, id, "remove_line", func(doc *document) error {
		for i, l := range doc.Lines {
			if l.ID == lineID {
				doc.Lines = append(doc.Lines[:i], doc.Lines[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrLineNotFound, lineID)
	})
}

func (s *Service) mutateLine(ctx context.Context, id, lineID, op string, fn func(*pricing.Line) error) (Cart, error) {
	return s.mutate(ctx, id, op, func(doc *document) error {
		for i := range doc.Lines {
			if doc.Lines[i].ID == lineID {
				return fn(&doc.Lines[i])
			}
		}
		return fmt.Errorf("%w: %s", ErrLineNotFound, lineID)
	})
}

func (s *Service) mutate(ctx context.Context, id, op string, fn func(*document) error) (Cart, error) {
	if s == nil || s.KV == nil {
		return Cart{}, errNotConfigured
	}
	var out Cart
	err := lock.Run(ctx, s.Guard, cartKey(id), s.LockTTL, func(ctx context.Context) error {
		doc, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(&doc); err != nil {
			return err
		}
		view, err := s.view(doc)
		if err != nil {
			return err
		}
		doc.UpdatedAt = s.now()
		if err := s.KV.SetJSON(ctx, cartKey(id), doc, s.ttl()); err != nil {
			return fmt.Errorf("store cart: %w", err)
		}
		view.UpdatedAt = doc.UpdatedAt
		out = view
		return nil
	})
	if err != nil {
		return Cart{}, err
	}
	countMutation(op)
	return out, nil
}

func (s *Service) load(ctx context.Context, id string) (document, error) {
	if s == nil || s.KV == nil {
		return document{}, errNotConfigured
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return document{}, ErrNotFound
	}
	var doc document
	ok, err := s.KV.GetJSON(ctx, cartKey(id), &doc)
	if err != nil {
		return document{}, fmt.Errorf("load cart: %w", err)
	}
	if !ok {
		return document{}, ErrNotFound
	}
	return doc, nil
}

func (s *Service) view(doc document) (Cart, error) {
	totals, err := pricing.Compute(doc.Lines, s.Discounts)
	if err != nil {
		return Cart{}, err
	}
	lines := doc.Lines
	if lines == nil {
		lines = []pricing.Line{}
	}
	return Cart{ID: doc.ID, Lines: lines, Totals: totals, CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt}, nil
}

func countMutation(op string) {
	if obs.CartMutationsTotal != nil {
		obs.CartMutationsTotal.WithLabelValues(op).Inc()
	}
}
