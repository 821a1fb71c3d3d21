package orchestrator

import (
	"context"
	"os/exec"
	"sort"
	"sync"
	"time"

	"taskherd/internal/domain"
)

// agentEntry is the registry's bookkeeping record for one spawned agent.
// All fields above the process handles are guarded by registry.mu; the
// handles and channels are written once during spawn and read-only after.
type agentEntry struct {
	id        string
	config    domain.AgentConfig
	status    domain.AgentStatus
	startedAt time.Time
	endedAt   *time.Time
	sessionID string
	exitCode  *int
	output    []string

	cmd    *exec.Cmd
	cancel context.CancelFunc

	// done is closed exactly once, on the terminal status transition.
	// Waiters select on it.
	done chan struct{}
	// procExited is closed when the OS process has actually been reaped,
	// which may be after done when termination finalizes bookkeeping first.
	procExited chan struct{}
}

// registry is the single owner of agent records. Every mutation routes
// through it; readers only ever get snapshots.
type registry struct {
	mu     sync.Mutex
	agents map[string]*agentEntry
}

func newRegistry() *registry {
	return &registry{agents: make(map[string]*agentEntry)}
}

// insert adds the entry if the number of Running agents is below ceiling.
// The capacity check and the insertion happen under one lock acquisition so
// concurrent spawns cannot overshoot the ceiling.
func (r *registry) insert(e *agentEntry, ceiling int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	running := 0
	for _, a := range r.agents {
		if a.status == domain.StatusRunning {
			running++
		}
	}
	if running >= ceiling {
		return false
	}
	r.agents[e.id] = e
	return true
}

// bind attaches the started process to its record.
func (r *registry) bind(id string, cmd *exec.Cmd, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[id]; ok {
		e.cmd = cmd
		e.cancel = cancel
	}
}

func (r *registry) get(id string) (*agentEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	return e, ok
}

// appendFragment appends one raw output fragment in receipt order and, for
// structured formats, opportunistically sniffs the session identifier. The
// first hit wins and is never overwritten.
func (r *registry) appendFragment(id, fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return
	}
	e.output = append(e.output, fragment)
	if e.sessionID == "" && e.config.OutputFormat.Structured() {
		if sid, ok := SniffSessionID(fragment); ok {
			e.sessionID = sid
		}
	}
}

// finalize moves a Running record to a terminal status and wakes waiters.
// Returns false when the record is unknown or already terminal, in which
// case nothing changes (status transitions are monotonic).
func (r *registry) finalize(id string, status domain.AgentStatus, exitCode *int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok || e.status != domain.StatusRunning {
		return false
	}
	e.status = status
	now := time.Now()
	e.endedAt = &now
	e.exitCode = exitCode
	close(e.done)
	return true
}

// beginTerminate claims a Running record for termination: the terminal
// bookkeeping is done here, synchronously, before any signal is sent.
// claimed is false when the record is not Running (cur reports its status)
// or when the process has not finished starting yet.
func (r *registry) beginTerminate(id string) (e *agentEntry, cur domain.AgentStatus, found, claimed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, "", false, false
	}
	if e.status != domain.StatusRunning || e.cmd == nil {
		return e, e.status, true, false
	}
	e.status = domain.StatusTerminated
	now := time.Now()
	e.endedAt = &now
	close(e.done)
	return e, domain.StatusTerminated, true, true
}

// claimAllRunning marks every Running record Terminated and returns the
// entries whose processes still need signalling. Used by teardown only.
func (r *registry) claimAllRunning() []*agentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var claimed []*agentEntry
	now := time.Now()
	for _, e := range r.agents {
		if e.status != domain.StatusRunning || e.cmd == nil {
			continue
		}
		e.status = domain.StatusTerminated
		e.endedAt = &now
		close(e.done)
		claimed = append(claimed, e)
	}
	return claimed
}

// snapshot returns a read-only copy of one record. The output slice is
// copied so the caller can hold it across later appends.
func (r *registry) snapshot(id string) (domain.AgentSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return domain.AgentSnapshot{}, false
	}
	return snapshotLocked(e), true
}

func snapshotLocked(e *agentEntry) domain.AgentSnapshot {
	out := make([]string, len(e.output))
	copy(out, e.output)
	return domain.AgentSnapshot{
		ID:        e.id,
		Status:    e.status,
		StartedAt: e.startedAt,
		EndedAt:   e.endedAt,
		SessionID: e.sessionID,
		ExitCode:  e.exitCode,
		Config:    e.config,
		Output:    out,
	}
}

// list snapshots every record plus aggregate counts partitioned by status,
// ordered by start time for stable output.
func (r *registry) list() domain.ListSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := domain.ListSummary{Agents: make([]domain.AgentSnapshot, 0, len(r.agents))}
	for _, e := range r.agents {
		summary.Agents = append(summary.Agents, snapshotLocked(e))
		summary.Total++
		switch e.status {
		case domain.StatusRunning:
			summary.Running++
		case domain.StatusTerminated:
			summary.Terminated++
		case domain.StatusErrored:
			summary.Errored++
		}
	}
	sort.Slice(summary.Agents, func(i, j int) bool {
		a, b := summary.Agents[i], summary.Agents[j]
		if a.StartedAt.Equal(b.StartedAt) {
			return a.ID < b.ID
		}
		return a.StartedAt.Before(b.StartedAt)
	})
	return summary
}
