package session

import (
	"context"
	"fmt"
	"time"
)

type msgHeartbeat struct {
	attempt string
	err     error
	at      time.Time
}

type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startHeartbeat pings the agent every HeartbeatInterval and reports each
// result to the owner goroutine.
func (o *Orchestrator) startHeartbeat(a *attempt) *heartbeat {
	ctx, cancel := context.WithCancel(a.ctx)
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}
	ticker := o.clock.NewTicker(o.cfg.HeartbeatInterval)
	agentID, channel := a.agentID, a.channel

	go func() {
		defer close(hb.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			pctx, pcancel := context.WithTimeout(ctx, o.cfg.HeartbeatTimeout)
			err := o.deps.Agents.Ping(pctx, agentID, channel)
			pcancel()
			if ctx.Err() != nil {
				return
			}
			select {
			case o.inbox <- msgHeartbeat{attempt: a.id, err: err, at: o.clock.Now()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return hb
}

// Stop returns once the heartbeat goroutine and its ticker are gone.
func (h *heartbeat) Stop() {
	h.cancel()
	<-h.done
}

func (o *Orchestrator) handleHeartbeat(a *attempt, m msgHeartbeat) {
	if a.phase != phaseEstablished {
		return
	}
	if m.err == nil {
		o.hbState = HeartbeatState{LastSuccessAt: m.at}
		return
	}
	o.hbState.ConsecutiveFailures++
	n := o.hbState.ConsecutiveFailures
	o.metrics.RecordHeartbeatFailure()
	o.logger.Warn("agent heartbeat failed", "attempt_id", a.id, "failures", n, "error", m.err)
	if n >= o.cfg.HeartbeatMaxFailures {
		o.fail(newError(KindHeartbeatExhausted, fmt.Sprintf("%d consecutive heartbeat failures", n), m.err))
	}
}
