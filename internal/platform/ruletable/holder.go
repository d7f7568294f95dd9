package ruletable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoSource is returned when a holder without a source is asked to reload.
var ErrNoSource = errors.New("ruletable: no source configured")

// Holder owns the active rule table. Readers load the current table pointer without locking;
// Reload parses a complete replacement and swaps the pointer in one step.
type Holder struct {
	source Source
	now    func() time.Time

	current  atomic.Pointer[Table]
	reloadMu sync.Mutex
}

// HolderOption customises Holder behaviour.
type HolderOption func(*Holder)

// WithClock overrides the clock used to stamp loaded tables.
func WithClock(now func() time.Time) HolderOption {
	return func(h *Holder) {
		if now != nil {
			h.now = now
		}
	}
}

// Load reads and parses a table from the source.
func Load(ctx context.Context, source Source, now time.Time) (*Table, error) {
	if source == nil {
		return nil, ErrNoSource
	}
	data, err := source.Read(ctx)
	if err != nil {
		return nil, err
	}
	table, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source.Name(), err)
	}
	return table.withOrigin(source.Name(), now), nil
}

// NewHolder loads the initial table from source. A malformed table is returned as an error.
func NewHolder(ctx context.Context, source Source, opts ...HolderOption) (*Holder, error) {
	h := &Holder{source: source, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	table, err := Load(ctx, source, h.now())
	if err != nil {
		return nil, err
	}
	h.current.Store(table)
	return h, nil
}

// NewStaticHolder wraps an already parsed table. Reload is not supported.
func NewStaticHolder(table *Table) *Holder {
	h := &Holder{now: time.Now}
	if table != nil {
		h.current.Store(table)
	}
	return h
}

// Current returns the active table.
func (h *Holder) Current() *Table {
	if h == nil {
		return nil
	}
	return h.current.Load()
}

// Reload re-reads the source and replaces the active table. On failure the previous table stays active.
func (h *Holder) Reload(ctx context.Context) (*Table, error) {
	if h == nil || h.source == nil {
		return nil, ErrNoSource
	}
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	table, err := Load(ctx, h.source, h.now())
	if err != nil {
		return nil, err
	}
	h.current.Store(table)
	return table, nil
}
