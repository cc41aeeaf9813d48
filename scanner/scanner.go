// Package scanner defines the inbound scan surface. Scan hardware lives
// behind the Scanner interface; a scan result is only an input to an item
// lookup, never a trust anchor on its own.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trackware/custodyd/repository"
	"github.com/trackware/custodyd/repository/models"
)

var (
	ErrInvalidScan = errors.New("scan payload failed hardware validation")
	ErrUnknownTag  = errors.New("tag does not match a registered item")
)

// Scan is one raw read from a tag scanner.
type Scan struct {
	TagID      string    `json:"tag_id"`
	RawPayload []byte    `json:"raw_payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	IsValid    bool      `json:"is_valid"`
}

// Scanner produces scans from whatever hardware backs it.
type Scanner interface {
	Scan(ctx context.Context) (Scan, error)
}

// Lookup is the single store call a scan resolution needs.
type Lookup interface {
	GetItemByTag(ctx context.Context, tagID string) (*models.Item, error)
}

// Resolver maps validated scans to registered items.
type Resolver struct {
	store Lookup
}

func NewResolver(store Lookup) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the item a scan refers to. Invalid scans are rejected
// before the store is consulted.
func (r *Resolver) Resolve(ctx context.Context, scan Scan) (*models.Item, error) {
	if !scan.IsValid || scan.TagID == "" {
		return nil, ErrInvalidScan
	}
	item, err := r.store.GetItemByTag(ctx, scan.TagID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", scan.TagID, ErrUnknownTag)
		}
		return nil, err
	}
	return item, nil
}
