package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yardcore/yardcore/internal/database"
)

// SendGetReadyForWorkProcessRequest asks every agent to reserve itself for
// the work process. Requests go out concurrently; the first failure is
// returned after all have been attempted.
func (o *Orchestrator) SendGetReadyForWorkProcessRequest(ctx context.Context, agentIDs []int64, wpID int64) error {
	agents, err := o.db.Agents.ListByIDs(ctx, agentIDs)
	if err != nil {
		return fmt.Errorf("reserve agents: %w", err)
	}
	if len(agents) != len(agentIDs) {
		return fmt.Errorf("%w: %d of %d agents of work process %d exist", ErrNoAgent, len(agents), len(agentIDs), wpID)
	}
	var g errgroup.Group
	for _, a := range agents {
		g.Go(func() error {
			if err := o.agents.ReserveForMission(ctx, a, wpID); err != nil {
				return fmt.Errorf("reserve %s: %w", a.UUID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// WaitAgentStatusForWorkProcess polls until every agent reports status. For
// the ready status the agent's resource claim must also name the work
// process. It aborts with ErrWorkProcessTerminated when the work process is
// canceled or failed, and fails with ErrAgentStatusTimeout after timeout.
func (o *Orchestrator) WaitAgentStatusForWorkProcess(ctx context.Context, agentIDs []int64, status string, wpID int64, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = o.cfg.AgentWaitTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.cfg.AgentPollInterval)
	defer tick.Stop()

	warned := map[int64]bool{}
	for {
		done, err := o.agentsInStatus(ctx, agentIDs, status, wpID, warned)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: agents %v did not reach status %q for work process %d",
				ErrAgentStatusTimeout, agentIDs, status, wpID)
		case <-tick.C:
		}
	}
}

// agentsInStatus reports whether every agent is in status. A ready agent
// claimed by another work process is logged once per agent in warned.
func (o *Orchestrator) agentsInStatus(ctx context.Context, agentIDs []int64, status string, wpID int64, warned map[int64]bool) (bool, error) {
	wp, err := o.db.WorkProcesses.Get(ctx, wpID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return false, err
	}
	if wp != nil && (wp.Status == database.WorkProcessCanceled || wp.Status == database.WorkProcessFailed) {
		return false, fmt.Errorf("%w: work process %d is %s", ErrWorkProcessTerminated, wpID, wp.Status)
	}
	agents, err := o.db.Agents.ListByIDs(ctx, agentIDs)
	if err != nil {
		return false, err
	}
	if len(agents) < len(agentIDs) {
		return false, nil
	}
	for _, a := range agents {
		if a.Status != status {
			return false, nil
		}
		if status == database.AgentReady {
			if c := a.Claim(); c.WorkProcessID != wpID {
				if !warned[a.ID] {
					warned[a.ID] = true
					slog.Warn("Agent ready for another work process", "agent", a.UUID, "claimed", c.WorkProcessID, "work_process", wpID)
				}
				return false, nil
			}
		}
	}
	return true, nil
}
