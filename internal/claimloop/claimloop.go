// Package claimloop implements the Claim Loop of §4.6: the single
// cooperative task that requests work from the coordinator while
// capacity permits, joins each claimed attempt's channel, fetches its
// plan, and hands it to the Engine.
package claimloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	"github.com/attemptengine/worker/internal/channel"
	"github.com/attemptengine/worker/internal/config"
	"github.com/attemptengine/worker/internal/engine"
	"github.com/attemptengine/worker/internal/plan"
	"github.com/attemptengine/worker/internal/protocol"
)

// Loop drives the claim/backoff cycle against a single coordinator
// connection.
type Loop struct {
	transport channel.Transport
	engine    *engine.Engine
	verifier  *tokenVerifier
	log       *util.LogEntry

	capacity int

	minBackoff time.Duration
	maxBackoff time.Duration

	// NoLoop, when true, makes Run return after its first iteration
	// (§4.6 step 5: "used for one-shot execution").
	NoLoop bool

	// ShutdownGrace bounds how long Run waits for in-flight attempts to
	// drain once ctx is cancelled, per §4.6's cancellation clause.
	ShutdownGrace time.Duration
}

// New builds a Loop from cfg, wiring backoff bounds (§6's `min/max`
// seconds, multiplied by 1000 per §4.6) and the optional token
// verifier.
func New(cfg config.Configuration, transport channel.Transport, eng *engine.Engine, log *util.LogEntry) (*Loop, error) {
	minSec, maxSec, err := cfg.BackoffBounds()
	if err != nil {
		return nil, fmt.Errorf("parse backoff config: %w", err)
	}

	verifier, err := newTokenVerifier(cfg.LightningPublicKey)
	if err != nil {
		return nil, err
	}

	return &Loop{
		transport:     transport,
		engine:        eng,
		verifier:      verifier,
		log:           log,
		capacity:      cfg.Capacity,
		minBackoff:    time.Duration(minSec) * 1000 * time.Millisecond,
		maxBackoff:    time.Duration(maxSec) * 1000 * time.Millisecond,
		ShutdownGrace: 30 * time.Second,
	}, nil
}

// availableCapacity returns capacity minus the engine's count of
// queued-or-running attempts, per §4.6's parameter of the same name.
func (l *Loop) availableCapacity() int {
	avail := l.capacity - l.engine.ActiveCount()
	if avail < 0 {
		return 0
	}
	return avail
}

// Run executes the claim/backoff cycle until ctx is cancelled (or,
// with NoLoop set, after its first iteration), then waits up to
// ShutdownGrace for outstanding attempts to finish.
func (l *Loop) Run(ctx context.Context) error {
	backoff := l.minBackoff

	for {
		if ctx.Err() != nil {
			break
		}

		if l.availableCapacity() == 0 {
			if !l.waitForCapacity(ctx) {
				break
			}
			continue
		}

		claimed, err := l.claim(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			l.log.WithError(err).Error("claim request failed")
			if !l.sleep(ctx, backoff) {
				break
			}
			backoff = nextBackoff(backoff, l.maxBackoff)
			if l.NoLoop {
				break
			}
			continue
		}

		if len(claimed) == 0 {
			if l.NoLoop {
				break
			}
			if !l.sleep(ctx, backoff) {
				break
			}
			backoff = nextBackoff(backoff, l.maxBackoff)
			continue
		}

		backoff = l.minBackoff
		for _, tok := range claimed {
			l.handleToken(ctx, tok)
		}

		if l.NoLoop {
			break
		}
	}

	return l.drain(ctx)
}

// claim pushes a CLAIM request for the current available capacity.
func (l *Loop) claim(ctx context.Context) ([]protocol.ClaimedAttempt, error) {
	avail := l.availableCapacity()

	var tokens []protocol.ClaimedAttempt
	err := l.transport.GetWithReply(ctx, channel.ControlTopic, protocol.EventClaim,
		protocol.ClaimRequest{Capacity: avail}, &tokens)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return tokens, nil
}

// handleToken executes §4.6 step 3 for one claimed token: verify,
// join, fetch plan, hand off to the engine. Errors are logged and the
// token is abandoned rather than retried, per the spec's
// do-not-retry rule.
func (l *Loop) handleToken(ctx context.Context, tok protocol.ClaimedAttempt) {
	log := l.log.WithField("attempt_id", tok.AttemptID)

	if err := l.verifier.Verify(tok.Token); err != nil {
		log.WithError(err).Error("rejecting claimed token: signature verification failed")
		return
	}

	topic := channel.AttemptTopic(tok.AttemptID)

	joinResult, err := l.transport.Join(ctx, topic, tok.Token)
	if err != nil {
		log.WithError(err).Error("join request failed")
		return
	}
	if !joinResult.OK {
		log.WithField("reason", joinResult.Response).Error("join rejected")
		return
	}

	var raw plan.ExecutionPlan
	if err := l.transport.GetWithReply(ctx, topic, protocol.EventGetAttempt, struct{}{}, &raw); err != nil {
		log.WithError(err).Error("get_attempt failed")
		return
	}

	if _, err := l.engine.Execute(ctx, tok.AttemptID, raw); err != nil {
		log.WithError(err).Error("engine rejected attempt")
	}
}

// waitForCapacity blocks briefly, giving in-flight attempts a chance to
// free capacity, then reevaluates. Returns false if ctx was cancelled
// while waiting.
func (l *Loop) waitForCapacity(ctx context.Context) bool {
	return l.sleep(ctx, 100*time.Millisecond)
}

// sleep waits for d or ctx cancellation, returning false on
// cancellation.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// drain waits up to ShutdownGrace for the engine's active count to
// reach zero, then logs how many attempts remain. ctx is the same
// context propagated into exec.CommandContext for every spawned runner,
// so once ctx is cancelled the runner processes are killed at once; on
// shutdown drain waits for those attempts to be torn down, not for them
// to run to completion. With ctx still live (NoLoop), it waits for the
// attempts to finish normally.
func (l *Loop) drain(ctx context.Context) error {
	grace := l.ShutdownGrace
	if grace <= 0 {
		return nil
	}

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if l.engine.ActiveCount() == 0 {
			return nil
		}
		<-ticker.C
	}

	remaining := l.engine.ActiveCount()
	if remaining > 0 {
		l.log.WithField("remaining", remaining).Warn("shutdown grace period expired with attempts still running")
	}
	return nil
}

func nextBackoff(current, max time.Duration) time.Duration {
	doubled := current * 2
	if doubled > max {
		return max
	}
	return doubled
}
