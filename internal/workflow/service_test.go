package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parcela.org/internal/audit"
	"parcela.org/internal/authz"
	"parcela.org/internal/errs"
	"parcela.org/internal/store/memory"
	"parcela.org/internal/workflow"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newService(t *testing.T) (*workflow.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	store.PutTarget("prop-1", map[string]workflow.Value{
		"registeredOwner": workflow.String("Alice"),
		"areaSqm":         workflow.Number(120),
	})
	c := &clock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	svc, err := workflow.NewService(store, workflow.WithClock(c.Now))
	require.NoError(t, err)
	return svc, store
}

func ownerChange() workflow.Changes {
	return workflow.Changes{
		"registeredOwner": {Old: workflow.String("Alice"), New: workflow.String("Bob")},
	}
}

func create(t *testing.T, svc *workflow.Service, target string, p workflow.Priority, changes workflow.Changes) workflow.Workflow {
	t.Helper()
	w, err := svc.Create(context.Background(), workflow.CreateInput{
		TargetID:    target,
		Type:        workflow.TypePropertyUpdate,
		Description: "update owner",
		Priority:    p,
		Changes:     changes,
		InitiatorID: "clerk-1",
	})
	require.NoError(t, err)
	return w
}

func TestCreateStartsPending(t *testing.T) {
	svc, store := newService(t)
	w := create(t, svc, "prop-1", "", ownerChange())

	assert.Equal(t, workflow.StatusPending, w.Status)
	assert.Equal(t, workflow.PriorityNormal, w.Priority)

	entries, err := store.ListAudit(context.Background(), audit.Filter{EntityID: w.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionCreate, entries[0].Action)
}

func TestCreateValidates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	base := workflow.CreateInput{TargetID: "prop-1", Type: workflow.TypeOwnerChange, Changes: ownerChange(), InitiatorID: "u"}

	bad := base
	bad.Type = "MERGE"
	_, err := svc.Create(ctx, bad)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	bad = base
	bad.Priority = "CRITICAL"
	_, err = svc.Create(ctx, bad)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	bad = base
	bad.Changes = nil
	_, err = svc.Create(ctx, bad)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	bad = base
	bad.TargetID = " "
	_, err = svc.Create(ctx, bad)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

// Clerk requests an owner change, an administrator approves it, a late
// rejection conflicts.
func TestApproveScenario(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	clerk := authz.NewPrincipal(authz.Subject{ActorID: "clerk-1", Active: true, RoleName: "Clerk"}, []authz.Pair{authz.PropertyRead})
	assert.False(t, clerk.HasPermission("property", "update"))

	w := create(t, svc, "prop-1", workflow.PriorityHigh, ownerChange())

	decided, err := svc.Decide(ctx, w.ID, "admin-1", workflow.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, decided.Status)
	assert.Equal(t, "admin-1", decided.DeciderID)
	require.NotNil(t, decided.ApprovedAt)

	target, ok := store.Target("prop-1")
	require.True(t, ok)
	assert.True(t, target["registeredOwner"].Equal(workflow.String("Bob")))
	assert.True(t, target["lastUpdatedBy"].Equal(workflow.String("admin-1")))

	history, err := svc.History(ctx, "prop-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "registeredOwner", history[0].FieldName)
	require.NotNil(t, history[0].OldValue)
	require.NotNil(t, history[0].NewValue)
	assert.Equal(t, "Alice", *history[0].OldValue)
	assert.Equal(t, "Bob", *history[0].NewValue)
	assert.Equal(t, workflow.ChangeUpdate, history[0].ChangeType)
	assert.Contains(t, history[0].Reason, w.ID)

	_, err = svc.Decide(ctx, w.ID, "admin-1", workflow.DecisionReject, "too late")
	assert.True(t, errors.Is(err, errs.ErrConflict))

	entries, err := store.ListAudit(ctx, audit.Filter{EntityID: w.ID, Action: audit.ActionApprove})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0].Metadata["fields_applied"])
	require.Contains(t, entries[0].Changes, "registeredOwner")
}

func TestApproveWritesOneHistoryRowPerField(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	surveyed := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	changes := workflow.Changes{
		"registeredOwner": {Old: workflow.String("Alice"), New: workflow.String("Carol")},
		"areaSqm":         {Old: workflow.Number(120), New: workflow.Number(131.25)},
		"mortgaged":       {Old: workflow.Null(), New: workflow.Bool(true)},
		"surveyedAt":      {Old: workflow.Null(), New: workflow.Timestamp(surveyed)},
	}
	w := create(t, svc, "prop-1", workflow.PriorityNormal, changes)

	_, err := svc.Decide(ctx, w.ID, "admin-1", workflow.DecisionApprove, "")
	require.NoError(t, err)

	history, err := svc.History(ctx, "prop-1")
	require.NoError(t, err)
	require.Len(t, history, len(changes))

	target, _ := store.Target("prop-1")
	for _, h := range history {
		fc := changes[h.FieldName]
		want, _ := fc.New.Text()
		require.NotNil(t, h.NewValue, h.FieldName)
		assert.Equal(t, want, *h.NewValue, h.FieldName)
		assert.True(t, target[h.FieldName].Equal(fc.New), h.FieldName)
	}
	for _, h := range history {
		if h.FieldName == "mortgaged" {
			assert.Nil(t, h.OldValue)
		}
	}
}

func TestDecideTwiceConflicts(t *testing.T) {
	for _, first := range []workflow.Decision{workflow.DecisionApprove, workflow.DecisionReject} {
		t.Run(string(first), func(t *testing.T) {
			svc, _ := newService(t)
			ctx := context.Background()
			w := create(t, svc, "prop-1", workflow.PriorityNormal, ownerChange())

			_, err := svc.Decide(ctx, w.ID, "admin-1", first, "first call")
			require.NoError(t, err)
			before, err := svc.History(ctx, "prop-1")
			require.NoError(t, err)

			for _, second := range []workflow.Decision{workflow.DecisionApprove, workflow.DecisionReject} {
				_, err = svc.Decide(ctx, w.ID, "admin-2", second, "second call")
				assert.True(t, errors.Is(err, errs.ErrConflict))
			}
			after, err := svc.History(ctx, "prop-1")
			require.NoError(t, err)
			assert.Len(t, after, len(before))

			got, err := svc.Get(ctx, w.ID)
			require.NoError(t, err)
			assert.Equal(t, workflow.Status(first), got.Status)
		})
	}
}

func TestConcurrentDecideHasOneWinner(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	w := create(t, svc, "prop-1", workflow.PriorityNormal, ownerChange())

	const attempts = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			decision := workflow.DecisionApprove
			if i%2 == 1 {
				decision = workflow.DecisionReject
			}
			_, err := svc.Decide(ctx, w.ID, "admin", decision, "race")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, errs.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, conflicts)

	got, err := svc.Get(ctx, w.ID)
	require.NoError(t, err)
	history, err := svc.History(ctx, "prop-1")
	require.NoError(t, err)
	if got.Status == workflow.StatusApproved {
		assert.Len(t, history, 1)
	} else {
		assert.Equal(t, workflow.StatusRejected, got.Status)
		assert.Empty(t, history)
	}
}

func TestApproveFailureLeavesPending(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	// No target record exists, so the entity update step fails.
	w := create(t, svc, "prop-missing", workflow.PriorityNormal, workflow.Changes{
		"registeredOwner": {Old: workflow.String("Alice"), New: workflow.String("Bob")},
		"areaSqm":         {Old: workflow.Number(1), New: workflow.Number(2)},
	})

	_, err := svc.Decide(ctx, w.ID, "admin-1", workflow.DecisionApprove, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	got, err := svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, got.Status)
	assert.Empty(t, got.DeciderID)

	history, err := svc.History(ctx, "prop-missing")
	require.NoError(t, err)
	assert.Empty(t, history)

	entries, err := store.ListAudit(ctx, audit.Filter{EntityID: w.ID, Action: audit.ActionApprove})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRejectRequiresReason(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	w := create(t, svc, "prop-1", workflow.PriorityNormal, ownerChange())

	_, err := svc.Decide(ctx, w.ID, "admin-1", workflow.DecisionReject, "")
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
	_, err = svc.Decide(ctx, w.ID, "admin-1", workflow.DecisionReject, "   ")
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	got, err := svc.Decide(ctx, w.ID, "admin-1", workflow.DecisionReject, "not justified")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRejected, got.Status)
	assert.Equal(t, "not justified", got.RejectedReason)
	assert.Nil(t, got.ApprovedAt)

	history, err := svc.History(ctx, "prop-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDecideUnknownWorkflow(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Decide(context.Background(), "missing", "admin-1", workflow.DecisionApprove, "")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestListPendingOrdering(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	low := create(t, svc, "prop-1", workflow.PriorityLow, ownerChange())
	urgent1 := create(t, svc, "prop-1", workflow.PriorityUrgent, ownerChange())
	normal := create(t, svc, "prop-1", workflow.PriorityNormal, ownerChange())
	urgent2 := create(t, svc, "prop-1", workflow.PriorityUrgent, ownerChange())

	pending, err := svc.ListPending(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{urgent1.ID, urgent2.ID, normal.ID, low.ID}, workflowIDs(pending))

	all, err := svc.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{urgent2.ID, urgent1.ID, normal.ID, low.ID}, workflowIDs(all))

	_, err = svc.Decide(ctx, urgent1.ID, "admin-1", workflow.DecisionReject, "dup")
	require.NoError(t, err)
	pending, err = svc.ListPending(ctx, workflow.TypePropertyUpdate)
	require.NoError(t, err)
	assert.Equal(t, []string{urgent2.ID, normal.ID, low.ID}, workflowIDs(pending))

	pending, err = svc.ListPending(ctx, workflow.TypeDeletion)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStatusCounts(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	a := create(t, svc, "prop-1", workflow.PriorityNormal, ownerChange())
	create(t, svc, "prop-1", workflow.PriorityNormal, ownerChange())
	_, err := svc.Decide(ctx, a.ID, "admin-1", workflow.DecisionReject, "no")
	require.NoError(t, err)
	_, err = svc.Create(ctx, workflow.CreateInput{
		TargetID: "prop-1", Type: workflow.TypeStatusChange, Changes: ownerChange(), InitiatorID: "clerk-2",
	})
	require.NoError(t, err)

	counts, err := svc.StatusCounts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[workflow.StatusPending])
	assert.Equal(t, 1, counts[workflow.StatusRejected])
	assert.Contains(t, counts, workflow.StatusExpired)

	mine, err := svc.StatusCounts(ctx, "clerk-1")
	require.NoError(t, err)
	assert.Equal(t, 1, mine[workflow.StatusPending])

	byInitiator, err := svc.ListByInitiator(ctx, "clerk-2")
	require.NoError(t, err)
	assert.Len(t, byInitiator, 1)
}

func TestCancel(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	w := create(t, svc, "prop-1", workflow.PriorityNormal, ownerChange())

	other := authz.NewPrincipal(authz.Subject{ActorID: "clerk-9", Active: true}, []authz.Pair{authz.WorkflowRead})
	_, err := svc.Cancel(ctx, w.ID, other, "")
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	owner := authz.NewPrincipal(authz.Subject{ActorID: "clerk-1", Active: true}, nil)
	got, err := svc.Cancel(ctx, w.ID, owner, "filed by mistake")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, got.Status)

	_, err = svc.Decide(ctx, w.ID, "admin-1", workflow.DecisionApprove, "")
	assert.True(t, errors.Is(err, errs.ErrConflict))

	entries, err := store.ListAudit(ctx, audit.Filter{EntityID: w.ID, Action: audit.ActionUpdate})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "CANCELLED", entries[0].Metadata["status"])
	assert.Equal(t, "filed by mistake", entries[0].Metadata["reason"])

	w2 := create(t, svc, "prop-1", workflow.PriorityNormal, ownerChange())
	supervisor := authz.NewPrincipal(authz.Subject{ActorID: "sup-1", Active: true}, []authz.Pair{authz.WorkflowCancel})
	_, err = svc.Cancel(ctx, w2.ID, supervisor, "")
	require.NoError(t, err)
}

func TestExpireStale(t *testing.T) {
	store := memory.New()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	current := now
	svc, err := workflow.NewService(store, workflow.WithClock(func() time.Time { return current }))
	require.NoError(t, err)
	ctx := context.Background()

	old := create(t, svc, "prop-1", workflow.PriorityNormal, ownerChange())
	current = now.Add(48 * time.Hour)
	fresh := create(t, svc, "prop-1", workflow.PriorityNormal, ownerChange())

	current = now.Add(72 * time.Hour)
	n, err := svc.ExpireStale(ctx, 36*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusExpired, got.Status)
	got, err = svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, got.Status)

	_, err = svc.Decide(ctx, old.ID, "admin-1", workflow.DecisionApprove, "")
	assert.True(t, errors.Is(err, errs.ErrConflict))

	_, err = svc.ExpireStale(ctx, 0)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

func TestSweeperRunOnce(t *testing.T) {
	svc, _ := newService(t)
	create(t, svc, "prop-1", workflow.PriorityNormal, ownerChange())

	_, err := workflow.NewSweeper(svc, "not a schedule", time.Hour, nil)
	assert.Error(t, err)

	sw, err := workflow.NewSweeper(svc, "@every 1h", time.Nanosecond, nil)
	require.NoError(t, err)
	n, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func workflowIDs(list []workflow.Workflow) []string {
	out := make([]string, 0, len(list))
	for _, w := range list {
		out = append(out, w.ID)
	}
	return out
}
