package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"stepline/internal/catalog"
	"stepline/internal/db"
	"stepline/internal/domain"
	"stepline/internal/engine"
	"stepline/internal/migrate"
	"stepline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T, steps ...catalog.Step) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat, err := catalog.New(steps...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := engine.New(conn, cat)
	eng.Now = func() time.Time { return now }
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: &now}
}

// withCatalog swaps the step definitions on the same database, simulating a
// new deploy with bumped versions.
func (env testEnv) withCatalog(t *testing.T, steps ...catalog.Step) engine.Engine {
	t.Helper()
	cat, err := catalog.New(steps...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	eng := engine.New(env.Engine.DB, cat)
	eng.Now = env.Engine.Now
	return eng
}

func requiredStep(id string, version int) catalog.Step {
	return catalog.Step{ID: id, Version: version, Required: true}
}

func optInStep(id string, version int) catalog.Step {
	return catalog.Step{ID: id, Version: version, Required: true, OptIn: true}
}

func TestStatusPendingByDefault(t *testing.T) {
	env := newTestEnv(t, requiredStep("create-account", 1))
	st, err := env.Engine.Status(env.Ctx, "u1", "create-account")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != domain.StatePending {
		t.Fatalf("state = %s, want pending", st.State)
	}
	if st.CompletedVersion != nil || st.CompletedAt != nil || st.SkippedAt != nil {
		t.Fatalf("pending status should carry no record fields: %+v", st)
	}
	if !st.Visible {
		t.Fatalf("unconditional step should be visible")
	}
}

func TestStatusUnknownStep(t *testing.T) {
	env := newTestEnv(t, requiredStep("create-account", 1))
	_, err := env.Engine.Status(env.Ctx, "u1", "nope")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCompleteIsIdempotentWithFreshTimestamp(t *testing.T) {
	env := newTestEnv(t, requiredStep("create-account", 1))
	first, err := env.Engine.Complete(env.Ctx, "u1", "create-account")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if first.State != domain.StateCompleted || first.CompletedAt == nil {
		t.Fatalf("unexpected status after complete: %+v", first)
	}
	*env.Clock = env.Clock.Add(time.Hour)
	second, err := env.Engine.Complete(env.Ctx, "u1", "create-account")
	if err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	if second.State != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", second.State)
	}
	if *second.CompletedAt <= *first.CompletedAt {
		t.Fatalf("completed_at should advance: %d -> %d", *first.CompletedAt, *second.CompletedAt)
	}
}

func TestVersionDriftMarksOutdated(t *testing.T) {
	env := newTestEnv(t, requiredStep("verify-email", 1))
	if _, err := env.Engine.Complete(env.Ctx, "u1", "verify-email"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	v2 := env.withCatalog(t, requiredStep("verify-email", 2))
	st, err := v2.Status(env.Ctx, "u1", "verify-email")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != domain.StateOutdated || !st.Outdated {
		t.Fatalf("state = %s, want outdated", st.State)
	}
	if st.CompletedVersion == nil || *st.CompletedVersion != 1 {
		t.Fatalf("completed_version = %v, want 1", st.CompletedVersion)
	}
	// Re-completing at the new version clears the drift.
	if _, err := v2.Complete(env.Ctx, "u1", "verify-email"); err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	st, err = v2.Status(env.Ctx, "u1", "verify-email")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != domain.StateCompleted {
		t.Fatalf("state = %s, want completed after re-complete", st.State)
	}
}

func TestSkipIsImmuneToVersionDrift(t *testing.T) {
	env := newTestEnv(t, optInStep("invite-team", 1))
	if _, err := env.Engine.Skip(env.Ctx, "u1", "invite-team"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	v3 := env.withCatalog(t, optInStep("invite-team", 3))
	st, err := v3.Status(env.Ctx, "u1", "invite-team")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != domain.StateSkipped || st.Outdated {
		t.Fatalf("skipped step should never be outdated: %+v", st)
	}
}

func TestSkipRequiresOptIn(t *testing.T) {
	env := newTestEnv(t, requiredStep("create-account", 1))
	_, err := env.Engine.Skip(env.Ctx, "u1", "create-account")
	if !errors.Is(err, engine.ErrNotAllowed) {
		t.Fatalf("err = %v, want ErrNotAllowed", err)
	}
	st, err := env.Engine.Status(env.Ctx, "u1", "create-account")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != domain.StatePending {
		t.Fatalf("rejected skip must leave no record, state = %s", st.State)
	}
}

func TestSkipPreservesCompletionTimestamp(t *testing.T) {
	env := newTestEnv(t, optInStep("invite-team", 1))
	done, err := env.Engine.Complete(env.Ctx, "u1", "invite-team")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	*env.Clock = env.Clock.Add(time.Minute)
	st, err := env.Engine.Skip(env.Ctx, "u1", "invite-team")
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if st.State != domain.StateSkipped {
		t.Fatalf("state = %s, want skipped", st.State)
	}
	if st.CompletedAt == nil || *st.CompletedAt != *done.CompletedAt {
		t.Fatalf("completed_at should survive a later skip: %v vs %v", st.CompletedAt, done.CompletedAt)
	}
	if st.SkippedAt == nil || *st.SkippedAt <= *done.CompletedAt {
		t.Fatalf("skipped_at should be later than completed_at: %+v", st)
	}
}

func TestResetReturnsToPending(t *testing.T) {
	env := newTestEnv(t, requiredStep("create-account", 1))
	if _, err := env.Engine.Complete(env.Ctx, "u1", "create-account"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := env.Engine.Reset(env.Ctx, "u1", "create-account"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	st, err := env.Engine.Status(env.Ctx, "u1", "create-account")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != domain.StatePending || st.CompletedAt != nil {
		t.Fatalf("reset should clear the record: %+v", st)
	}
	// Resetting an absent record is a no-op.
	if err := env.Engine.Reset(env.Ctx, "u1", "create-account"); err != nil {
		t.Fatalf("second reset: %v", err)
	}
}

func TestOnboardWithoutCompleteStaysPending(t *testing.T) {
	step := requiredStep("wizard", 1)
	step.Handle = func(ctx context.Context, tx *sql.Tx, entityID string, args map[string]any, hc catalog.HandlerContext) error {
		// Multi-call flow: nothing to persist yet.
		return nil
	}
	env := newTestEnv(t, step)
	st, err := env.Engine.Onboard(env.Ctx, "u1", "wizard", nil)
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	if st.State != domain.StatePending {
		t.Fatalf("handler did not call Complete, state = %s, want pending", st.State)
	}
}

func TestDefaultHandlerCompletes(t *testing.T) {
	env := newTestEnv(t, requiredStep("create-account", 1))
	st, err := env.Engine.Onboard(env.Ctx, "u1", "create-account", nil)
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	if st.State != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", st.State)
	}
}

func TestHandlerCompleteOtherAndIsComplete(t *testing.T) {
	sawComplete := false
	kyc := requiredStep("kyc", 1)
	kyc.Handle = func(ctx context.Context, tx *sql.Tx, entityID string, args map[string]any, hc catalog.HandlerContext) error {
		done, err := hc.IsComplete("create-account")
		if err != nil {
			return err
		}
		sawComplete = done
		if err := hc.CompleteOther("verify-identity"); err != nil {
			return err
		}
		return hc.Complete()
	}
	env := newTestEnv(t, requiredStep("create-account", 1), requiredStep("verify-identity", 1), kyc)
	if _, err := env.Engine.Complete(env.Ctx, "u1", "create-account"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.Onboard(env.Ctx, "u1", "kyc", nil); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	if !sawComplete {
		t.Fatalf("IsComplete should observe the earlier completion")
	}
	for _, id := range []string{"verify-identity", "kyc"} {
		st, err := env.Engine.Status(env.Ctx, "u1", id)
		if err != nil {
			t.Fatalf("status %s: %v", id, err)
		}
		if st.State != domain.StateCompleted {
			t.Fatalf("%s state = %s, want completed", id, st.State)
		}
	}
}

func TestAllRequiredCompleteAggregate(t *testing.T) {
	fired := 0
	env := newTestEnv(t,
		requiredStep("create-account", 1),
		optInStep("invite-team", 1),
		catalog.Step{ID: "take-tour", Version: 1, OptIn: true},
	)
	env.Engine.Catalog.OnAllRequiredComplete = func(ctx context.Context, tx *sql.Tx, entityID string) error {
		fired++
		return nil
	}
	if _, err := env.Engine.Complete(env.Ctx, "u1", "create-account"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if fired != 0 {
		t.Fatalf("aggregate fired with a required step still pending")
	}
	ok, err := env.Engine.AllComplete(env.Ctx, "u1")
	if err != nil || ok {
		t.Fatalf("AllComplete = %v, %v; want false", ok, err)
	}
	// A skipped required step satisfies the aggregate.
	if _, err := env.Engine.Skip(env.Ctx, "u1", "invite-team"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if fired != 1 {
		t.Fatalf("aggregate fired %d times, want 1", fired)
	}
	ok, err = env.Engine.AllComplete(env.Ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("AllComplete = %v, %v; want true", ok, err)
	}
	// No dedup: a later mutation with the aggregate still satisfied fires again.
	if _, err := env.Engine.Complete(env.Ctx, "u1", "take-tour"); err != nil {
		t.Fatalf("complete optional: %v", err)
	}
	if fired != 2 {
		t.Fatalf("aggregate fired %d times, want 2", fired)
	}
}

func TestOutdatedDoesNotSatisfyAggregate(t *testing.T) {
	env := newTestEnv(t, requiredStep("verify-email", 1))
	if _, err := env.Engine.Complete(env.Ctx, "u1", "verify-email"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	v2 := env.withCatalog(t, requiredStep("verify-email", 2))
	ok, err := v2.AllComplete(env.Ctx, "u1")
	if err != nil {
		t.Fatalf("all complete: %v", err)
	}
	if ok {
		t.Fatalf("outdated completion must not satisfy the aggregate")
	}
}

func TestHiddenRequiredStepDoesNotBlockAggregate(t *testing.T) {
	hidden := requiredStep("enterprise-setup", 1)
	hidden.Condition = func(ctx context.Context, q catalog.Querier, entityID string) (bool, error) {
		return false, nil
	}
	env := newTestEnv(t, requiredStep("create-account", 1), hidden)
	if _, err := env.Engine.Complete(env.Ctx, "u1", "create-account"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ok, err := env.Engine.AllComplete(env.Ctx, "u1")
	if err != nil {
		t.Fatalf("all complete: %v", err)
	}
	if !ok {
		t.Fatalf("hidden required step should not block the aggregate")
	}
}

func TestProgressCounts(t *testing.T) {
	env := newTestEnv(t,
		requiredStep("a", 1),
		optInStep("b", 1),
		requiredStep("c", 1),
	)
	if _, err := env.Engine.Complete(env.Ctx, "u1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Skip(env.Ctx, "u1", "b"); err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.Progress(env.Ctx, "u1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Completed != 1 || p.Skipped != 1 || p.Pending != 1 || p.Total != 3 || p.AllComplete {
		t.Fatalf("unexpected progress: %+v", p)
	}
}

func TestEntitiesAreIndependent(t *testing.T) {
	env := newTestEnv(t, requiredStep("create-account", 1))
	if _, err := env.Engine.Complete(env.Ctx, "u1", "create-account"); err != nil {
		t.Fatal(err)
	}
	st, err := env.Engine.Status(env.Ctx, "u2", "create-account")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != domain.StatePending {
		t.Fatalf("u2 state = %s, want pending", st.State)
	}
}

func TestEventsAppended(t *testing.T) {
	env := newTestEnv(t, optInStep("invite-team", 1))
	if _, err := env.Engine.Skip(env.Ctx, "u1", "invite-team"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Reset(env.Ctx, "u1", "invite-team"); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "u1", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range events {
		types[e.Type] = true
	}
	if !types["onboarding.skipped"] || !types["onboarding.reset"] {
		t.Fatalf("missing expected event types, got %v", types)
	}
}
