package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsert_DependentOfCompletedTaskBecomesReady(t *testing.T) {
	c := newGraph(t, task("A"))
	runToCompletion(t, c, "A", "dev-1")

	out, err := c.Apply(Insert([]TaskSpec{task("C", "A")}), t0)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Version)
	assert.Equal(t, []string{"C"}, out.Added)
	assert.Equal(t, 2, c.Version())

	cTask, _ := c.Task("C")
	assert.Equal(t, 2, cTask.GraphVersionCreated)
	assert.Equal(t, StatusPending, cTask.Status)

	c.Promote(t0)
	assert.Equal(t, []string{"C"}, c.ReadySet())
	require.NoError(t, c.Verify())
}

func TestReroute_CycleRejectedGraphUnchanged(t *testing.T) {
	c := newGraph(t, task("A"))
	runToCompletion(t, c, "A", "dev-1")
	_, err := c.Apply(Insert([]TaskSpec{task("C", "A")}), t0)
	require.NoError(t, err)

	before := c.Snapshot()

	_, err = c.Apply(Reroute("A", "C"), t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidMutation))
	assert.True(t, errors.Is(err, ErrCycleDetected))

	assert.Equal(t, before, c.Snapshot())
	require.NoError(t, c.Verify())
}

func TestInsert_EdgeClosingCycleRejected(t *testing.T) {
	c := newGraph(t, task("A"), task("B", "A"))

	_, err := c.Apply(Insert([]TaskSpec{task("X", "B")}, Edge{From: "X", To: "A"}), t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))

	var merr *MutationError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, MutationInsert, merr.Kind)

	_, exists := c.Task("X")
	assert.False(t, exists)
	assert.Equal(t, 1, c.Version())
}

func TestInsert_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		mutation Mutation
		want     error
	}{
		{"empty", Insert(nil), ErrInvalidMutation},
		{"duplicate id", Insert([]TaskSpec{task("A")}), ErrInvalidGraph},
		{"missing id", Insert([]TaskSpec{{TaskID: ""}}), ErrInvalidGraph},
		{"dangling dependency", Insert([]TaskSpec{task("X", "ghost")}), ErrInvalidGraph},
		{"dangling edge source", Insert(nil, Edge{From: "ghost", To: "B"}), ErrInvalidGraph},
		{"dangling edge target", Insert(nil, Edge{From: "A", To: "ghost"}), ErrInvalidGraph},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newGraph(t, task("A"), task("B"))
			_, err := c.Apply(tt.mutation, t0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidMutation))
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, 1, c.Version())
		})
	}
}

func TestInsert_DependencyOnDispatchedTaskRejected(t *testing.T) {
	c := newGraph(t, task("A"), task("B"))
	c.Promote(t0)
	_, err := c.Mark("B", StatusAssigned, Payload{DeviceID: "dev-1"}, t0)
	require.NoError(t, err)

	_, err = c.Apply(Insert([]TaskSpec{task("X")}, Edge{From: "X", To: "B"}), t0)
	assert.True(t, errors.Is(err, ErrInvalidMutation))
}

func TestInsert_EdgeDemotesReadyTask(t *testing.T) {
	c := newGraph(t, task("A"), task("B"))
	c.Promote(t0)

	out, err := c.Apply(Insert([]TaskSpec{task("X")}, Edge{From: "X", To: "B"}), t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, out.Demoted)
	assert.Equal(t, StatusPending, statusOf(t, c, "B"))
	require.NoError(t, c.Verify())
}

func TestRemove(t *testing.T) {
	t.Run("in-flight task rejected", func(t *testing.T) {
		c := newGraph(t, task("A"))
		c.Promote(t0)
		_, _ = c.Mark("A", StatusAssigned, Payload{DeviceID: "dev-1"}, t0)
		_, _ = c.Mark("A", StatusRunning, Payload{DeviceID: "dev-1"}, t0)

		_, err := c.Apply(Remove("A"), t0)
		assert.True(t, errors.Is(err, ErrInvalidMutation))
		assert.Equal(t, StatusRunning, statusOf(t, c, "A"))
	})

	t.Run("unknown task rejected", func(t *testing.T) {
		c := newGraph(t, task("A"))
		_, err := c.Apply(Remove("ghost"), t0)
		assert.True(t, errors.Is(err, ErrInvalidMutation))
		assert.True(t, errors.Is(err, ErrUnknownTask))
	})

	t.Run("removal drops edges and unblocks dependents", func(t *testing.T) {
		c := newGraph(t, task("A"), task("B", "A"), task("C", "B"))

		out, err := c.Apply(Remove("A"), t0)
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, out.Removed)
		assert.Equal(t, 2, c.Len())

		b, _ := c.Task("B")
		assert.Empty(t, b.Dependencies)
		c.Promote(t0)
		assert.Equal(t, []string{"B"}, c.ReadySet())

		desc, err := c.Descendants("B")
		require.NoError(t, err)
		assert.Equal(t, []string{"C"}, desc)
		require.NoError(t, c.Verify())
	})
}

func TestReroute(t *testing.T) {
	t.Run("replaces dependencies and demotes", func(t *testing.T) {
		c := newGraph(t, task("A"), task("B"), task("C"))
		c.Promote(t0)

		out, err := c.Apply(Reroute("C", "A", "B"), t0)
		require.NoError(t, err)
		assert.Equal(t, "C", out.Rerouted)
		assert.Equal(t, []string{"C"}, out.Demoted)

		anc, _ := c.Ancestors("C")
		assert.Equal(t, []string{"A", "B"}, anc)
		require.NoError(t, c.Verify())
	})

	t.Run("self dependency is a cycle", func(t *testing.T) {
		c := newGraph(t, task("A"))
		_, err := c.Apply(Reroute("A", "A"), t0)
		assert.True(t, errors.Is(err, ErrCycleDetected))
	})

	t.Run("unknown dependency rejected", func(t *testing.T) {
		c := newGraph(t, task("A"))
		_, err := c.Apply(Reroute("A", "ghost"), t0)
		assert.True(t, errors.Is(err, ErrInvalidGraph))
	})

	t.Run("completed task cannot be rerouted", func(t *testing.T) {
		c := newGraph(t, task("A"), task("B"))
		runToCompletion(t, c, "A", "dev-1")
		_, err := c.Apply(Reroute("A", "B"), t0)
		assert.True(t, errors.Is(err, ErrInvalidMutation))
		assert.False(t, errors.Is(err, ErrCycleDetected))
	})
}

func TestApply_StaleBaseVersionRejected(t *testing.T) {
	c := newGraph(t, task("A"))
	_, err := c.Apply(Insert([]TaskSpec{task("B")}), t0)
	require.NoError(t, err)

	m := Insert([]TaskSpec{task("C")})
	m.BaseVersion = 1
	_, err = c.Apply(m, t0)
	assert.True(t, errors.Is(err, ErrInvalidMutation))

	m.BaseVersion = 2
	_, err = c.Apply(m, t0)
	assert.NoError(t, err)
}

func TestApply_TerminalConstellationRejectsMutations(t *testing.T) {
	c := newGraph(t, task("A"))
	require.NoError(t, c.SetState(StateFailed, "boom", t0))
	assert.True(t, errors.Is(c.Validate(Remove("A")), ErrInvalidMutation))
}

func TestApply_UnknownKind(t *testing.T) {
	c := newGraph(t, task("A"))
	_, err := c.Apply(Mutation{Kind: "rename"}, t0)
	assert.True(t, errors.Is(err, ErrInvalidMutation))
}

func TestGraphEvolution_ProposeStampsBaseVersion(t *testing.T) {
	ev := NewGraphEvolution(ProposerFunc(func(ctx context.Context, snap Snapshot, trig Trigger) (*Mutation, error) {
		assert.Equal(t, "A", trig.TaskID)
		m := Insert([]TaskSpec{task("C", trig.TaskID)})
		return &m, nil
	}), time.Second)

	c := newGraph(t, task("A"))
	m, err := ev.Propose(context.Background(), c.Snapshot(), Trigger{TaskID: "A", Status: StatusCompleted})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 1, m.BaseVersion)
}

func TestGraphEvolution_ProposeHonoursTimeout(t *testing.T) {
	ev := NewGraphEvolution(ProposerFunc(func(ctx context.Context, snap Snapshot, trig Trigger) (*Mutation, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), 10*time.Millisecond)

	_, err := ev.Propose(context.Background(), Snapshot{}, Trigger{TaskID: "A"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGraphEvolution_NilProposer(t *testing.T) {
	ev := NewGraphEvolution(nil, time.Second)
	assert.False(t, ev.Enabled())
	m, err := ev.Propose(context.Background(), Snapshot{}, Trigger{})
	assert.NoError(t, err)
	assert.Nil(t, m)

	var none *GraphEvolution
	assert.False(t, none.Enabled())
}
