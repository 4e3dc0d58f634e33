// Package replica defines the port to the remote document store that
// holds one ledger document per user.
package replica

import (
	"context"
	"errors"

	"cashbook/internal/core"
)

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("replica: store closed")

type (
	// Snapshot is the state of a stored document at one revision.
	Snapshot struct {
		Document core.Document
		Exists   bool
		Revision int64
		// Origin identifies the client that produced this revision.
		Origin string
	}

	// Update is one notification on a subscription. An update carrying Err
	// is the last one: the channel is closed right after it.
	Update struct {
		Snapshot Snapshot
		Err      error
	}

	// DocumentStore reads, overwrites and follows whole documents.
	DocumentStore interface {
		// Get returns the current snapshot; Exists is false when nothing has
		// been written under key yet.
		Get(ctx context.Context, key string) (Snapshot, error)

		// Write replaces the whole document stored under key and returns the
		// new revision.
		Write(ctx context.Context, key string, doc core.Document, origin string) (revision int64, err error)

		// Subscribe follows key. The first update is the current state; later
		// ones arrive in revision order. The channel is closed when ctx is
		// done or after an update carrying Err.
		Subscribe(ctx context.Context, key string) (<-chan Update, error)
	}
)
