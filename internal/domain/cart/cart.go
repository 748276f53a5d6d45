// Package cart defines the contract of the cart service the checkout reads
// from and clears. The cart itself is owned elsewhere; checkout only ever sees
// an immutable Snapshot.
package cart

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrEmpty is returned when checkout is attempted on an empty cart.
var ErrEmpty = errors.New("cart is empty")

// Item is a cart line. UnitPrice is the price captured when the item was added.
type Item struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Size      string          `json:"size,omitempty"`
	Color     string          `json:"color,omitempty"`
}

// Key identifies a line independently of quantity and price.
func (i Item) Key() string {
	return i.ProductID + "\x00" + i.Size + "\x00" + i.Color
}

// Snapshot is a point-in-time copy of a user's cart.
type Snapshot struct {
	UserID string
	Items  []Item
	// Version is the highest line id included. Clearing through a version never
	// removes lines added afterwards.
	Version int64
}

// Empty reports whether the snapshot has no lines.
func (s Snapshot) Empty() bool {
	return len(s.Items) == 0
}

// Hash returns a stable digest of the snapshot contents. Line order does not
// matter; quantities and prices do.
func (s Snapshot) Hash() string {
	items := slices.Clone(s.Items)
	slices.SortFunc(items, func(a, b Item) int {
		return cmp.Compare(a.Key(), b.Key())
	})

	h := sha256.New()
	for _, it := range items {
		h.Write([]byte(it.Key()))
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(it.Quantity)))
		h.Write([]byte{0})
		h.Write([]byte(it.UnitPrice.StringFixed(2)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SameLines reports whether items describe the same products, variants and
// quantities as the snapshot, in any order. Prices are ignored.
func (s Snapshot) SameLines(items []Item) bool {
	if len(items) != len(s.Items) {
		return false
	}
	want := make(map[string]int, len(s.Items))
	for _, it := range s.Items {
		want[it.Key()] += it.Quantity
	}
	for _, it := range items {
		want[it.Key()] -= it.Quantity
	}
	for _, n := range want {
		if n != 0 {
			return false
		}
	}
	return true
}

// Service is the authoritative cart store.
type Service interface {
	Snapshot(ctx context.Context, userID string) (Snapshot, error)
	// Clear removes the user's lines up to and including version. A zero
	// version clears everything. Clearing an already cleared cart succeeds.
	Clear(ctx context.Context, userID string, version int64) error
}
