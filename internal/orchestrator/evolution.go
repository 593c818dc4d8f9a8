package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MutationKind names a structural change to a constellation.
type MutationKind string

const (
	MutationInsert  MutationKind = "insert"
	MutationRemove  MutationKind = "remove"
	MutationReroute MutationKind = "reroute"
)

// Mutation is a proposed structural change. Which fields are read depends on
// Kind: Insert uses Tasks and Edges, Remove uses TaskIDs, Reroute uses TaskID
// and NewDependencies.
//
// BaseVersion is the graph version the mutation was computed against. When
// non-zero, a mutation is rejected if the graph has moved on since.
type Mutation struct {
	Kind            MutationKind `json:"kind"`
	Tasks           []TaskSpec   `json:"tasks,omitempty"`
	Edges           []Edge       `json:"edges,omitempty"`
	TaskIDs         []string     `json:"task_ids,omitempty"`
	TaskID          string       `json:"task_id,omitempty"`
	NewDependencies []string     `json:"new_dependencies,omitempty"`
	BaseVersion     int          `json:"base_version,omitempty"`
	Reason          string       `json:"reason,omitempty"`
}

// Insert builds an insert mutation.
func Insert(tasks []TaskSpec, edges ...Edge) Mutation {
	return Mutation{Kind: MutationInsert, Tasks: tasks, Edges: edges}
}

// Remove builds a remove mutation.
func Remove(taskIDs ...string) Mutation {
	return Mutation{Kind: MutationRemove, TaskIDs: taskIDs}
}

// Reroute builds a mutation replacing a task's dependencies.
func Reroute(taskID string, newDependencies ...string) Mutation {
	return Mutation{Kind: MutationReroute, TaskID: taskID, NewDependencies: newDependencies}
}

// Trigger is the task outcome a proposal is asked about.
type Trigger struct {
	TaskID string          `json:"task_id"`
	Status TaskStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Proposer decides what, if anything, to change after a task outcome. It is
// the external planner; a nil mutation means no change.
type Proposer interface {
	Propose(ctx context.Context, snapshot Snapshot, trigger Trigger) (*Mutation, error)
}

// ProposerFunc adapts a function to the Proposer interface.
type ProposerFunc func(ctx context.Context, snapshot Snapshot, trigger Trigger) (*Mutation, error)

func (f ProposerFunc) Propose(ctx context.Context, snapshot Snapshot, trigger Trigger) (*Mutation, error) {
	return f(ctx, snapshot, trigger)
}

// MutationOutcome summarizes an applied mutation.
type MutationOutcome struct {
	Kind     MutationKind `json:"kind"`
	Version  int          `json:"version"`
	Added    []string     `json:"added,omitempty"`
	Removed  []string     `json:"removed,omitempty"`
	Rerouted string       `json:"rerouted,omitempty"`
	Demoted  []string     `json:"demoted,omitempty"`
}

// GraphEvolution asks the planner for mutations and validates and applies
// them. Application must happen on the loop that owns the constellation.
type GraphEvolution struct {
	proposer Proposer
	timeout  time.Duration
}

// NewGraphEvolution creates a GraphEvolution. A nil proposer never proposes.
func NewGraphEvolution(proposer Proposer, timeout time.Duration) *GraphEvolution {
	return &GraphEvolution{proposer: proposer, timeout: timeout}
}

// Enabled reports whether a planner is attached.
func (g *GraphEvolution) Enabled() bool {
	return g != nil && g.proposer != nil
}

// Propose calls the planner with a bounded deadline. The returned mutation is
// stamped with the snapshot's version unless the planner set one.
func (g *GraphEvolution) Propose(ctx context.Context, snapshot Snapshot, trigger Trigger) (*Mutation, error) {
	if !g.Enabled() {
		return nil, nil
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	m, err := g.proposer.Propose(ctx, snapshot, trigger)
	if err != nil {
		return nil, errors.Wrapf(err, "propose after %s %s", trigger.TaskID, trigger.Status)
	}
	if m != nil && m.BaseVersion == 0 {
		m.BaseVersion = snapshot.Version
	}
	return m, nil
}

// Apply validates m against c and commits it. On error c is unchanged.
func (g *GraphEvolution) Apply(c *Constellation, m Mutation, now time.Time) (MutationOutcome, error) {
	return c.Apply(m, now)
}

// Validate checks m against the current graph without committing it.
func (c *Constellation) Validate(m Mutation) error {
	_, err := c.plan(m)
	return err
}

// Apply validates m and commits it atomically, bumping the version.
func (c *Constellation) Apply(m Mutation, now time.Time) (MutationOutcome, error) {
	p, err := c.plan(m)
	if err != nil {
		return MutationOutcome{}, err
	}
	return c.commit(p, now), nil
}

// mutationPlan is a fully validated mutation ready to commit.
type mutationPlan struct {
	kind    MutationKind
	deps    map[string]IDSet
	added   []*TaskStar
	removed IDSet
	target  string
}

func (c *Constellation) plan(m Mutation) (*mutationPlan, error) {
	if c.state.Terminal() {
		return nil, rejectMutationf(m.Kind, "constellation is %s", c.state)
	}
	if m.BaseVersion != 0 && m.BaseVersion != c.version {
		return nil, rejectMutationf(m.Kind, "base version %d is stale, graph is at version %d", m.BaseVersion, c.version)
	}

	switch m.Kind {
	case MutationInsert:
		return c.planInsert(m)
	case MutationRemove:
		return c.planRemove(m)
	case MutationReroute:
		return c.planReroute(m)
	default:
		return nil, rejectMutationf(m.Kind, "unknown mutation kind %q", m.Kind)
	}
}

func (c *Constellation) planInsert(m Mutation) (*mutationPlan, error) {
	if len(m.Tasks) == 0 && len(m.Edges) == 0 {
		return nil, rejectMutationf(m.Kind, "insert has no tasks and no edges")
	}

	p := &mutationPlan{kind: m.Kind, deps: c.dependencyView()}
	order := append([]string(nil), c.order...)
	isNew := NewIDSet()

	for _, spec := range m.Tasks {
		if spec.TaskID == "" {
			return nil, rejectMutation(m.Kind, invalidf("task_id is required"))
		}
		if _, exists := p.deps[spec.TaskID]; exists {
			return nil, rejectMutation(m.Kind, invalidf("duplicate task_id: %q", spec.TaskID))
		}
		star := spec.star(c.version + 1)
		p.added = append(p.added, star)
		p.deps[spec.TaskID] = star.Dependencies.Clone()
		order = append(order, spec.TaskID)
		isNew[spec.TaskID] = struct{}{}
	}

	// Existing tasks gaining a dependency; checked after the cycle check so
	// a cyclic proposal is reported as such.
	var retargeted []string
	for _, e := range m.Edges {
		deps, ok := p.deps[e.To]
		if !ok {
			return nil, rejectMutation(m.Kind, invalidf("edge references unknown task (to): %q", e.To))
		}
		deps[e.From] = struct{}{}
		if !isNew.Has(e.To) {
			retargeted = append(retargeted, e.To)
		}
	}

	if err := checkAcyclic(order, p.deps); err != nil {
		return nil, rejectMutation(m.Kind, err)
	}
	if err := validateEdges(p.deps, func(id string) bool { _, ok := p.deps[id]; return ok }); err != nil {
		return nil, rejectMutation(m.Kind, err)
	}
	for _, id := range retargeted {
		if s := c.tasks[id].Status; s != StatusPending && s != StatusReady {
			return nil, rejectMutationf(m.Kind, "cannot add a dependency to %s task %s", s, id)
		}
	}
	return p, nil
}

func (c *Constellation) planRemove(m Mutation) (*mutationPlan, error) {
	if len(m.TaskIDs) == 0 {
		return nil, rejectMutationf(m.Kind, "remove has no task ids")
	}

	p := &mutationPlan{kind: m.Kind, removed: NewIDSet()}
	for _, id := range m.TaskIDs {
		t, ok := c.tasks[id]
		if !ok {
			return nil, rejectMutation(m.Kind, errors.Wrapf(ErrUnknownTask, "remove %s", id))
		}
		if t.Status.InFlight() {
			return nil, rejectMutationf(m.Kind, "cannot remove %s task %s", t.Status, id)
		}
		p.removed[id] = struct{}{}
	}

	p.deps = make(map[string]IDSet, len(c.tasks))
	for id, t := range c.tasks {
		if p.removed.Has(id) {
			continue
		}
		deps := NewIDSet()
		for dep := range t.Dependencies {
			if !p.removed.Has(dep) {
				deps[dep] = struct{}{}
			}
		}
		p.deps[id] = deps
	}
	return p, nil
}

func (c *Constellation) planReroute(m Mutation) (*mutationPlan, error) {
	t, ok := c.tasks[m.TaskID]
	if !ok {
		return nil, rejectMutation(m.Kind, errors.Wrapf(ErrUnknownTask, "reroute %s", m.TaskID))
	}

	p := &mutationPlan{kind: m.Kind, deps: c.dependencyView(), target: m.TaskID}
	p.deps[m.TaskID] = NewIDSet(m.NewDependencies...)

	if err := checkAcyclic(c.order, p.deps); err != nil {
		return nil, rejectMutation(m.Kind, err)
	}
	if err := validateEdges(p.deps, func(id string) bool { _, ok := c.tasks[id]; return ok }); err != nil {
		return nil, rejectMutation(m.Kind, err)
	}
	if t.Status != StatusPending && t.Status != StatusReady {
		return nil, rejectMutationf(m.Kind, "cannot reroute %s task %s", t.Status, m.TaskID)
	}
	return p, nil
}

func (c *Constellation) commit(p *mutationPlan, now time.Time) MutationOutcome {
	c.version++
	out := MutationOutcome{Kind: p.kind, Version: c.version}

	for _, star := range p.added {
		c.tasks[star.TaskID] = star
		c.order = append(c.order, star.TaskID)
		out.Added = append(out.Added, star.TaskID)
	}
	if len(p.removed) > 0 {
		kept := c.order[:0]
		for _, id := range c.order {
			if p.removed.Has(id) {
				delete(c.tasks, id)
				delete(c.unmet, id)
				delete(c.dependents, id)
				continue
			}
			kept = append(kept, id)
		}
		c.order = kept
		out.Removed = p.removed.Sorted()
	}
	if p.target != "" {
		out.Rerouted = p.target
	}

	for id, deps := range p.deps {
		if t, ok := c.tasks[id]; ok {
			t.Dependencies = deps
		}
	}
	c.reindex()

	for _, id := range c.order {
		if c.tasks[id].Status == StatusReady && c.unmet[id] > 0 {
			if _, err := c.Mark(id, StatusPending, Payload{}, now); err == nil {
				out.Demoted = append(out.Demoted, id)
			}
		}
	}
	c.updatedAt = now
	return out
}

// reindex rebuilds the dependents index and unmet counters from the
// dependency sets.
func (c *Constellation) reindex() {
	c.dependents = make(map[string]IDSet, len(c.tasks))
	for _, id := range c.order {
		c.dependents[id] = NewIDSet()
	}
	for _, id := range c.order {
		t := c.tasks[id]
		for dep := range t.Dependencies {
			c.dependents[dep][id] = struct{}{}
		}
		c.unmet[id] = c.countUnmet(t)
	}
}
