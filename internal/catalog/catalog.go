// Package catalog holds the in-memory registry of onboarding steps. Steps are
// caller-supplied, immutable after registration, and never persisted — only
// completion facts are stored.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// HandlerContext is the capability handed to a step handler while an onboard
// operation is running. Completion is explicit: a handler that returns nil
// without calling Complete leaves its step pending (multi-call wizards rely
// on this), and it may instead complete a different step entirely.
type HandlerContext interface {
	// Complete marks the invoking step completed at its current version.
	Complete() error
	// CompleteOther marks another step completed and fires its OnComplete.
	CompleteOther(stepID string) error
	// IsComplete reports whether another step is currently completed.
	IsComplete(stepID string) (bool, error)
}

// Condition decides whether a step is currently visible for an entity. It is
// re-evaluated on every status read and its result is never cached or stored.
type Condition func(ctx context.Context, q Querier, entityID string) (bool, error)

// Handler performs the side effects of onboarding one step. Arguments arrive
// already validated against the step's ArgSpec by the calling boundary.
type Handler func(ctx context.Context, tx *sql.Tx, entityID string, args map[string]any, hc HandlerContext) error

// Callback is a lifecycle hook running inside the mutation's transaction.
type Callback func(ctx context.Context, tx *sql.Tx, entityID string) error

// Querier is the read surface handed to conditions. Both *sql.DB and *sql.Tx
// satisfy it, so conditions are safe in read-only and write contexts alike.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Step is one onboarding definition.
type Step struct {
	// ID is the stable identity across versions, unique within the catalog.
	ID string
	// Version is bumped by the caller when the step's semantics change;
	// completions recorded under an older version surface as outdated.
	Version int
	// Required steps participate in the all-required-complete aggregate.
	Required bool
	// OptIn gates whether skip is permitted.
	OptIn       bool
	Description string
	Condition   Condition
	// Args describes the payload the handler accepts. Enforced at the
	// boundary that invokes onboard, not by the engine.
	Args ArgSpec
	// Handle runs on onboard. Nil means DefaultHandler.
	Handle     Handler
	OnComplete Callback
}

// Catalog is an ordered, immutable set of steps.
type Catalog struct {
	steps []Step
	index map[string]int

	// OnAllRequiredComplete fires after any completing or skipping mutation
	// that leaves every required step satisfied. It may fire more than once;
	// the callback owner is responsible for idempotence.
	OnAllRequiredComplete Callback
}

// New builds a catalog, preserving registration order.
func New(steps ...Step) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int, len(steps))}
	for _, s := range steps {
		if s.ID == "" {
			return nil, fmt.Errorf("step id is required")
		}
		if s.Version < 1 {
			return nil, fmt.Errorf("step %s: version must be >= 1", s.ID)
		}
		if _, dup := c.index[s.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %s", s.ID)
		}
		c.index[s.ID] = len(c.steps)
		c.steps = append(c.steps, s)
	}
	return c, nil
}

// Steps returns the steps in registration order.
func (c *Catalog) Steps() []Step { return c.steps }

func (c *Catalog) Get(id string) (Step, bool) {
	i, ok := c.index[id]
	if !ok {
		return Step{}, false
	}
	return c.steps[i], true
}

func (c *Catalog) Len() int { return len(c.steps) }

// DefaultHandler completes the step immediately. Used for declaratively
// configured steps that carry no custom side effects.
func DefaultHandler(ctx context.Context, tx *sql.Tx, entityID string, args map[string]any, hc HandlerContext) error {
	return hc.Complete()
}
