package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stepline/internal/catalog"
	"stepline/internal/domain"
	"stepline/internal/events"
	"stepline/internal/repo"
)

// ErrNotAllowed is returned when skip is attempted on a step that is not
// opt-in.
var ErrNotAllowed = errors.New("not allowed")

// Engine coordinates onboarding mutations and resolves derived status. Each
// mutating operation runs in one transaction; the engine adds no locking or
// retries of its own beyond what sqlite's serialization provides.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Catalog *catalog.Catalog
	Now     func() time.Time
}

func New(db *sql.DB, cat *catalog.Catalog) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Catalog: cat,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) step(id string) (catalog.Step, error) {
	s, ok := e.Catalog.Get(id)
	if !ok {
		return catalog.Step{}, fmt.Errorf("onboarding step %s: %w", id, repo.ErrNotFound)
	}
	return s, nil
}

// resolveStatus derives one step's status from its record (if any) and a live
// condition evaluation. No side effects; safe against DB or open Tx.
func (e Engine) resolveStatus(ctx context.Context, q repo.Querier, entityID string, step catalog.Step) (domain.Status, error) {
	st := domain.Status{
		StepID:   step.ID,
		Version:  step.Version,
		Required: step.Required,
		OptIn:    step.OptIn,
		State:    domain.StatePending,
		Visible:  true,
	}
	if step.Condition != nil {
		visible, err := step.Condition(ctx, q, entityID)
		if err != nil {
			return st, fmt.Errorf("condition for step %s: %w", step.ID, err)
		}
		st.Visible = visible
	}
	rec, err := repo.GetRecordQ(ctx, q, entityID, step.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	recVersion := rec.Version
	st.CompletedVersion = &recVersion
	st.CompletedAt = rec.CompletedAt
	st.SkippedAt = rec.SkippedAt
	switch {
	case rec.State == domain.StateCompleted && rec.Version != step.Version:
		st.State = domain.StateOutdated
		st.Outdated = true
	case rec.State == domain.StateCompleted:
		st.State = domain.StateCompleted
		st.Completed = true
	default:
		// A skipped record stays skipped regardless of version drift.
		st.State = domain.StateSkipped
		st.Skipped = true
	}
	return st, nil
}

// Status resolves one step for an entity.
func (e Engine) Status(ctx context.Context, entityID, stepID string) (domain.Status, error) {
	step, err := e.step(stepID)
	if err != nil {
		return domain.Status{}, err
	}
	return e.resolveStatus(ctx, e.DB, entityID, step)
}

// List resolves every step in catalog order. Each element is resolved
// independently; there is no cross-step coupling here.
func (e Engine) List(ctx context.Context, entityID string) ([]domain.Status, error) {
	return e.resolveAll(ctx, e.DB, entityID)
}

func (e Engine) resolveAll(ctx context.Context, q repo.Querier, entityID string) ([]domain.Status, error) {
	steps := e.Catalog.Steps()
	res := make([]domain.Status, 0, len(steps))
	for _, step := range steps {
		st, err := e.resolveStatus(ctx, q, entityID, step)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, nil
}

// AllComplete reports whether every required step is completed, skipped, or
// currently hidden by its condition.
func (e Engine) AllComplete(ctx context.Context, entityID string) (bool, error) {
	return e.allRequiredComplete(ctx, e.DB, entityID)
}

func (e Engine) allRequiredComplete(ctx context.Context, q repo.Querier, entityID string) (bool, error) {
	for _, step := range e.Catalog.Steps() {
		if !step.Required {
			continue
		}
		st, err := e.resolveStatus(ctx, q, entityID, step)
		if err != nil {
			return false, err
		}
		if !st.Visible {
			continue
		}
		if !st.Completed && !st.Skipped {
			return false, nil
		}
	}
	return true, nil
}

// Progress returns aggregate counts plus the all-required predicate.
func (e Engine) Progress(ctx context.Context, entityID string) (domain.Progress, error) {
	statuses, err := e.List(ctx, entityID)
	if err != nil {
		return domain.Progress{}, err
	}
	p := domain.Progress{EntityID: entityID, Total: len(statuses)}
	for _, st := range statuses {
		switch st.State {
		case domain.StateCompleted:
			p.Completed++
		case domain.StateSkipped:
			p.Skipped++
		case domain.StateOutdated:
			p.Outdated++
		default:
			p.Pending++
		}
	}
	p.AllComplete, err = e.AllComplete(ctx, entityID)
	if err != nil {
		return domain.Progress{}, err
	}
	return p, nil
}

// Onboard runs a step's handler. Completion is not implied by the handler
// returning nil: the handler must call its context's Complete (or
// CompleteOther) explicitly.
func (e Engine) Onboard(ctx context.Context, entityID, stepID string, args map[string]any) (domain.Status, error) {
	step, err := e.step(stepID)
	if err != nil {
		return domain.Status{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Status{}, err
	}
	defer tx.Rollback()

	handle := step.Handle
	if handle == nil {
		handle = catalog.DefaultHandler
	}
	hc := &handlerContext{ctx: ctx, engine: e, tx: tx, entityID: entityID, step: step}
	if err := handle(ctx, tx, entityID, args, hc); err != nil {
		return domain.Status{}, err
	}
	st, err := e.resolveStatus(ctx, tx, entityID, step)
	if err != nil {
		return domain.Status{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Status{}, err
	}
	return st, nil
}

// Complete marks a step completed without running its handler. Intended for
// programmatic or administrative completion.
func (e Engine) Complete(ctx context.Context, entityID, stepID string) (domain.Status, error) {
	step, err := e.step(stepID)
	if err != nil {
		return domain.Status{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Status{}, err
	}
	defer tx.Rollback()
	if err := e.markComplete(ctx, tx, entityID, step); err != nil {
		return domain.Status{}, err
	}
	st, err := e.resolveStatus(ctx, tx, entityID, step)
	if err != nil {
		return domain.Status{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Status{}, err
	}
	return st, nil
}

// Skip marks an opt-in step skipped. Any earlier completion timestamp is kept
// as history.
func (e Engine) Skip(ctx context.Context, entityID, stepID string) (domain.Status, error) {
	step, err := e.step(stepID)
	if err != nil {
		return domain.Status{}, err
	}
	if !step.OptIn {
		return domain.Status{}, fmt.Errorf("skip step %s: %w", stepID, ErrNotAllowed)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Status{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.MarkRecord(ctx, tx, entityID, step.ID, domain.StateSkipped, step.Version, e.now().UTC().UnixMilli()); err != nil {
		return domain.Status{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeSkipped, entityID, step.ID, events.EventPayload{"version": step.Version}); err != nil {
		return domain.Status{}, err
	}
	if err := e.checkAllRequired(ctx, tx, entityID); err != nil {
		return domain.Status{}, err
	}
	st, err := e.resolveStatus(ctx, tx, entityID, step)
	if err != nil {
		return domain.Status{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Status{}, err
	}
	return st, nil
}

// Reset deletes the record for (entity, step), returning the step to the
// derived pending state. Missing records are a no-op. Reset fires no
// lifecycle callbacks and does not re-evaluate the aggregate.
func (e Engine) Reset(ctx context.Context, entityID, stepID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	deleted, err := e.Repo.DeleteRecord(ctx, tx, entityID, stepID)
	if err != nil {
		return err
	}
	if deleted {
		if err := e.Events.Append(ctx, tx, events.TypeReset, entityID, stepID, nil); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// markComplete is the shared completion path for Complete, a handler's
// Complete, and CompleteOther: write the record, log the event, fire the
// step's OnComplete, then check the aggregate.
func (e Engine) markComplete(ctx context.Context, tx *sql.Tx, entityID string, step catalog.Step) error {
	if _, err := e.Repo.MarkRecord(ctx, tx, entityID, step.ID, domain.StateCompleted, step.Version, e.now().UTC().UnixMilli()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeCompleted, entityID, step.ID, events.EventPayload{"version": step.Version}); err != nil {
		return err
	}
	if step.OnComplete != nil {
		if err := step.OnComplete(ctx, tx, entityID); err != nil {
			return fmt.Errorf("on-complete for step %s: %w", step.ID, err)
		}
	}
	return e.checkAllRequired(ctx, tx, entityID)
}

// checkAllRequired re-runs the aggregate after every completing or skipping
// mutation, not only the one that tips the balance, so the callback may fire
// repeatedly. Deduplication is deliberately left to the callback owner.
func (e Engine) checkAllRequired(ctx context.Context, tx *sql.Tx, entityID string) error {
	ok, err := e.allRequiredComplete(ctx, tx, entityID)
	if err != nil || !ok {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeAllRequiredComplete, entityID, "", nil); err != nil {
		return err
	}
	if e.Catalog.OnAllRequiredComplete != nil {
		if err := e.Catalog.OnAllRequiredComplete(ctx, tx, entityID); err != nil {
			return fmt.Errorf("all-required-complete callback: %w", err)
		}
	}
	return nil
}

// handlerContext implements catalog.HandlerContext for one onboard call,
// bound to that call's transaction.
type handlerContext struct {
	ctx      context.Context
	engine   Engine
	tx       *sql.Tx
	entityID string
	step     catalog.Step
}

func (h *handlerContext) Complete() error {
	return h.engine.markComplete(h.ctx, h.tx, h.entityID, h.step)
}

func (h *handlerContext) CompleteOther(stepID string) error {
	other, err := h.engine.step(stepID)
	if err != nil {
		return err
	}
	return h.engine.markComplete(h.ctx, h.tx, h.entityID, other)
}

func (h *handlerContext) IsComplete(stepID string) (bool, error) {
	other, err := h.engine.step(stepID)
	if err != nil {
		return false, err
	}
	st, err := h.engine.resolveStatus(h.ctx, h.tx, h.entityID, other)
	if err != nil {
		return false, err
	}
	return st.Completed, nil
}
