package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hbpg/hbpg/internal/dbx"
	"github.com/hbpg/hbpg/internal/logger"
	"github.com/hbpg/hbpg/internal/observability"
)

var tracer = observability.Tracer("hbpg/migrate")

// engineState is one of waiting, completed, failed.
type engineState int

const (
	stateWaiting engineState = iota
	stateCompleted
	stateFailed
)

// Migrations is the Migration Engine. Exactly one Apply/Revert/
// RevertInconsistent call may run at a time (single-writer discipline);
// concurrent WaitUntilCompleted calls are always safe.
type Migrations struct {
	gw  *dbx.Gateway
	log *slog.Logger

	declMu     sync.Mutex
	declared   []Descriptor
	registered map[string]Descriptor

	runMu sync.Mutex

	stateMu sync.Mutex
	state   engineState
	err     error
	done    chan struct{}
}

// New creates a Migration Engine bound to gw. If log is nil,
// slog.Default() is used.
func New(gw *dbx.Gateway, log *slog.Logger) *Migrations {
	if log == nil {
		log = slog.Default()
	}
	return &Migrations{
		gw:         gw,
		log:        log,
		registered: make(map[string]Descriptor),
		done:       make(chan struct{}),
	}
}

// Add appends m to the declared list. Order matters: it determines both
// apply order and, implicitly, the expected ledger prefix.
func (m *Migrations) Add(d Descriptor) {
	m.declMu.Lock()
	defer m.declMu.Unlock()
	m.declared = append(m.declared, d)
}

// Register records m only in the reverts dictionary keyed by name; it is
// never applied by Apply, only consulted by Revert/RevertInconsistent.
func (m *Migrations) Register(d Descriptor) {
	m.declMu.Lock()
	defer m.declMu.Unlock()
	m.registered[d.Name] = d
}

// WaitUntilCompleted suspends until the most recent Apply call reaches
// completed or failed, returning the terminal error (nil for completed).
// A dry run that finds pending work leaves the engine waiting; see Apply.
func (m *Migrations) WaitUntilCompleted(ctx context.Context) error {
	m.stateMu.Lock()
	state, err, done := m.state, m.err, m.done
	m.stateMu.Unlock()

	if state != stateWaiting {
		return err
	}

	select {
	case <-done:
		m.stateMu.Lock()
		defer m.stateMu.Unlock()
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the engine's current lifecycle state as a numeric code:
// 0=waiting, 1=completed, 2=failed. Intended for polling instrumentation
// such as an observability gauge, not for control flow — use
// WaitUntilCompleted to block for a terminal state.
func (m *Migrations) State() int64 {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return int64(m.state)
}

// resetToWaiting arms the engine for a new Apply run. If the engine is
// already waiting, its done channel is left untouched: it has not been
// closed, so callers that registered on it with WaitUntilCompleted
// before this call are still waiting on the channel this run will
// eventually close. Allocating a fresh channel here would orphan them.
func (m *Migrations) resetToWaiting() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.state == stateWaiting {
		return
	}
	m.state = stateWaiting
	m.err = nil
	m.done = make(chan struct{})
}

func (m *Migrations) complete() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.state = stateCompleted
	m.err = nil
	close(m.done)
}

func (m *Migrations) fail(err error) error {
	m.stateMu.Lock()
	m.state = stateFailed
	m.err = err
	close(m.done)
	m.stateMu.Unlock()
	m.log.Error("migration engine failed", "error", err)
	return err
}

func (m *Migrations) declaredSnapshot() []Descriptor {
	m.declMu.Lock()
	defer m.declMu.Unlock()
	out := make([]Descriptor, len(m.declared))
	copy(out, m.declared)
	return out
}

// revertibleByName merges register()'d descriptors with declared ones,
// keyed by name only. When a name has been both declared and registered,
// the registered descriptor wins, since register exists precisely to
// supply a revert path for a migration no longer declared.
func (m *Migrations) revertibleByName() map[string]Descriptor {
	m.declMu.Lock()
	defer m.declMu.Unlock()

	out := make(map[string]Descriptor, len(m.declared)+len(m.registered))
	for _, d := range m.declared {
		out[d.Name] = d
	}
	for name, d := range m.registered {
		out[name] = d
	}
	return out
}

func checkDuplicateNames(declared []Descriptor) error {
	seen := make(map[Group]map[string]bool)
	for _, d := range declared {
		byName, ok := seen[d.Group]
		if !ok {
			byName = make(map[string]bool)
			seen[d.Group] = byName
		}
		if byName[d.Name] {
			return &DuplicateNameError{Group: d.Group, Name: d.Name}
		}
		byName[d.Name] = true
	}
	return nil
}

// resolveGroups computes the groups to reconcile: the caller-supplied
// list if non-empty, else the unique sequence of declared.Group followed
// by applied.Group, first-seen order, duplicates dropped.
func resolveGroups(explicit []Group, declared []Descriptor, applied []appliedMigration) []Group {
	if len(explicit) > 0 {
		return explicit
	}

	seen := make(map[Group]bool)
	var out []Group
	for _, d := range declared {
		if !seen[d.Group] {
			seen[d.Group] = true
			out = append(out, d.Group)
		}
	}
	for _, a := range applied {
		if !seen[a.Group] {
			seen[a.Group] = true
			out = append(out, a.Group)
		}
	}
	return out
}

func filterDeclaredByGroup(declared []Descriptor, g Group) []Descriptor {
	var out []Descriptor
	for _, d := range declared {
		if d.Group == g {
			out = append(out, d)
		}
	}
	return out
}

func filterAppliedByGroup(applied []appliedMigration, g Group) []appliedMigration {
	var out []appliedMigration
	for _, a := range applied {
		if a.Group == g {
			out = append(out, a)
		}
	}
	return out
}

// commonPrefixLen returns how many leading names of applied match the
// leading names of declared, position by position.
func commonPrefixLen(declared []Descriptor, applied []appliedMigration) int {
	i := 0
	for i < len(declared) && i < len(applied) && declared[i].Name == applied[i].Name {
		i++
	}
	return i
}

// diffLines renders an aligned diff between declared and applied for
// logging when a group is found inconsistent.
func diffLines(declared []Descriptor, applied []appliedMigration, prefixLen int) []string {
	var lines []string
	max := len(declared)
	if len(applied) > max {
		max = len(applied)
	}
	for i := 0; i < max; i++ {
		var d, a string
		if i < len(declared) {
			d = declared[i].Name
		} else {
			d = "<none>"
		}
		if i < len(applied) {
			a = applied[i].Name
		} else {
			a = "<none>"
		}
		mark := "="
		if i >= prefixLen {
			mark = "!="
		}
		lines = append(lines, fmt.Sprintf("  [%d] declared=%-20s %s applied=%-20s", i, d, mark, a))
	}
	return lines
}

type plannedApply struct {
	Descriptor
}

// Apply reconciles the declared migration list against the ledger.
// dryRun and inconsistency detection interact with engine state as
// follows: an AppliedMigrationsInconsistent
// finding always transitions the engine to failed, since it represents a
// genuine schema drift independent of dry-run intent. A dry run that
// finds no pending work transitions to completed, since the schema truly
// is up to date. A dry run that finds pending work returns
// RequiresChanges and leaves the engine waiting for a future,
// non-dry-run Apply to resolve it.
func (m *Migrations) Apply(ctx context.Context, groups []Group, dryRun bool) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	declared := m.declaredSnapshot()
	if err := checkDuplicateNames(declared); err != nil {
		return err
	}

	m.resetToWaiting()

	if err := m.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		return ensureLedgerTable(ctx, conn)
	}); err != nil {
		return m.fail(err)
	}

	var applied []appliedMigration
	if err := m.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		var err error
		applied, err = listLedgerOrdered(ctx, conn)
		return err
	}); err != nil {
		return m.fail(err)
	}

	resolved := resolveGroups(groups, declared, applied)

	var plan []plannedApply
	for _, g := range resolved {
		D := filterDeclaredByGroup(declared, g)
		A := filterAppliedByGroup(applied, g)

		i := commonPrefixLen(D, A)
		if i < len(A) {
			diff := diffLines(D, A, i)
			m.log.Error("applied migrations inconsistent", "group", g, "diff", diff)
			return m.fail(&InconsistentGroupError{Group: g, Diff: diff})
		}
		for _, d := range D[i:] {
			plan = append(plan, plannedApply{d})
		}
	}

	if dryRun {
		if len(plan) > 0 {
			return ErrRequiresChanges
		}
		m.complete()
		return nil
	}

	err := m.gw.WithTransaction(ctx, func(ctx context.Context, tx dbx.Tx) error {
		for _, p := range plan {
			runCtx := logger.WithJobID(ctx, string(p.Group)+"/"+p.Name)
			spanCtx, span := tracer.Start(runCtx, "migrate.apply",
				trace.WithAttributes(attribute.String("group", string(p.Group)), attribute.String("name", p.Name)),
			)
			logger.FromContext(spanCtx, m.log).Info("applying migration")
			if err := p.Apply(spanCtx, tx); err != nil {
				span.RecordError(err)
				span.End()
				return fmt.Errorf("apply %s/%s: %w", p.Group, p.Name, err)
			}
			if err := insertLedgerRow(spanCtx, tx, p.Name, p.Group); err != nil {
				span.RecordError(err)
				span.End()
				return err
			}
			span.End()
		}
		return nil
	})
	if err != nil {
		return m.fail(err)
	}

	m.complete()
	return nil
}

// revertPlan is a ledger entry paired with the descriptor to run.
type revertPlan struct {
	Name  string
	Group Group
	Fn    RevertFunc
}

// planRevert builds the reverse-order revert plan for the chosen groups,
// optionally restricted to each group's divergent tail (revertInconsistent).
func (m *Migrations) planRevert(ctx context.Context, groups []Group, tailOnly bool) ([]revertPlan, error) {
	declared := m.declaredSnapshot()
	revertible := m.revertibleByName()

	var applied []appliedMigration
	if err := m.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		if err := ensureLedgerTable(ctx, conn); err != nil {
			return err
		}
		var err error
		applied, err = listLedgerOrdered(ctx, conn)
		return err
	}); err != nil {
		return nil, err
	}

	resolved := resolveGroups(groups, declared, applied)
	chosen := make(map[Group]bool, len(resolved))
	for _, g := range resolved {
		chosen[g] = true
	}

	eligibleTail := make(map[string]bool)
	if tailOnly {
		for _, g := range resolved {
			D := filterDeclaredByGroup(declared, g)
			A := filterAppliedByGroup(applied, g)
			i := commonPrefixLen(D, A)
			for _, a := range A[i:] {
				eligibleTail[a.Name] = true
			}
		}
	}

	var plan []revertPlan
	for i := len(applied) - 1; i >= 0; i-- {
		a := applied[i]
		if !chosen[a.Group] {
			continue
		}
		if tailOnly && !eligibleTail[a.Name] {
			continue
		}
		d, ok := revertible[a.Name]
		if !ok {
			return nil, &CannotRevertError{Name: a.Name}
		}
		plan = append(plan, revertPlan{Name: a.Name, Group: a.Group, Fn: d.Revert})
	}
	return plan, nil
}

// Revert reverts every applied migration in the chosen groups, in
// reverse insertion order.
func (m *Migrations) Revert(ctx context.Context, groups []Group, dryRun bool) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	plan, err := m.planRevert(ctx, groups, false)
	if err != nil {
		return err
	}

	return m.executeRevert(ctx, plan, dryRun)
}

// RevertInconsistent reverts only the divergent tail beyond each chosen
// group's common prefix with the declared list.
func (m *Migrations) RevertInconsistent(ctx context.Context, groups []Group, dryRun bool) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	plan, err := m.planRevert(ctx, groups, true)
	if err != nil {
		return err
	}

	return m.executeRevert(ctx, plan, dryRun)
}

func (m *Migrations) executeRevert(ctx context.Context, plan []revertPlan, dryRun bool) error {
	if dryRun || len(plan) == 0 {
		return nil
	}

	return m.gw.WithTransaction(ctx, func(ctx context.Context, tx dbx.Tx) error {
		for _, p := range plan {
			runCtx := logger.WithJobID(ctx, string(p.Group)+"/"+p.Name)
			spanCtx, span := tracer.Start(runCtx, "migrate.revert",
				trace.WithAttributes(attribute.String("group", string(p.Group)), attribute.String("name", p.Name)),
			)
			logger.FromContext(spanCtx, m.log).Info("reverting migration")
			if err := p.Fn(spanCtx, tx); err != nil {
				span.RecordError(err)
				span.End()
				return fmt.Errorf("revert %s/%s: %w", p.Group, p.Name, err)
			}
			if err := deleteLedgerRowByName(spanCtx, tx, p.Name, p.Group); err != nil {
				span.RecordError(err)
				span.End()
				return err
			}
			span.End()
		}
		return nil
	})
}
