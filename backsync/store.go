package backsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jonwraymond/infergate/request"
)

var (
	// ErrNotFound is returned by Remove for an unknown item.
	ErrNotFound = errors.New("backsync: item not found")

	// ErrDuplicate is returned by Append when the ID is already stored.
	ErrDuplicate = errors.New("backsync: duplicate item")

	// ErrInvalidItem is returned for items without an ID or request.
	ErrInvalidItem = errors.New("backsync: invalid item")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("backsync: store closed")
)

// Item is a request that could not be dispatched, persisted for replay.
type Item struct {
	ID         string           `json:"id" cbor:"id"`
	Request    *request.Request `json:"request" cbor:"request"`
	EnqueuedAt time.Time        `json:"enqueued_at" cbor:"enqueued_at"`
	Attempt    int              `json:"attempt" cbor:"attempt"`
}

// Validate checks that the item can be stored.
func (it Item) Validate() error {
	if strings.TrimSpace(it.ID) == "" || it.Request == nil {
		return ErrInvalidItem
	}
	return nil
}

// Provider returns the replay group of the item: its provider hint, or ""
// for requests routed to any provider.
func (it Item) Provider() string {
	if it.Request == nil {
		return ""
	}
	return it.Request.Provider
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	it.Request = it.Request.Clone()
	return it
}

// Store is a durable, ordered record of pending items.
//
// ListPending returns items in append order. Implementations must survive a
// process restart; an item is gone only once Remove has returned nil.
type Store interface {
	Append(ctx context.Context, item Item) error
	Remove(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]Item, error)
	Close() error
}

// AttemptRecorder is implemented by stores that can update an item's
// replay attempt count in place.
type AttemptRecorder interface {
	SetAttempt(ctx context.Context, id string, attempt int) error
}
