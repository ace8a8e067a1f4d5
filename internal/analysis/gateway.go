// ABOUTME: Uniform client over heterogeneous analysis services with retry policy.
// ABOUTME: Applies per-kind deadlines, exponential backoff with jitter, and concurrency caps.

package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/2389/interview-gateway/internal/dedupe"
)

// ErrSessionClosed indicates dispatch was attempted for a closed session.
var ErrSessionClosed = errors.New("session closed")

// Service is the abstract contract every external analysis/generation
// service satisfies: a bounded-time invoke with classified errors. The
// gateway does not assume any vendor request shape beyond this.
type Service interface {
	Invoke(ctx context.Context, in Input) (*Result, error)
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(ctx context.Context, in Input) (*Result, error)

func (f ServiceFunc) Invoke(ctx context.Context, in Input) (*Result, error) {
	return f(ctx, in)
}

// Policy is the per-kind dispatch policy.
type Policy struct {
	Deadline    time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxInFlight caps concurrent calls of this kind per session.
	MaxInFlight int
}

// DefaultPolicies returns the per-kind defaults. Transcription and
// video-signal analysis are cheap and idempotent, so they retry harder
// than report generation, which must not silently duplicate. Report
// generation is mutually exclusive per session.
func DefaultPolicies() map[Kind]Policy {
	return map[Kind]Policy{
		KindTranscription: {Deadline: 15 * time.Second, MaxAttempts: 4, BackoffBase: 200 * time.Millisecond, BackoffCap: 5 * time.Second, MaxInFlight: 1},
		KindVideoSignal:   {Deadline: 20 * time.Second, MaxAttempts: 4, BackoffBase: 200 * time.Millisecond, BackoffCap: 5 * time.Second, MaxInFlight: 1},
		KindFollowUp:      {Deadline: 30 * time.Second, MaxAttempts: 3, BackoffBase: 500 * time.Millisecond, BackoffCap: 10 * time.Second, MaxInFlight: 4},
		KindEvaluation:    {Deadline: 30 * time.Second, MaxAttempts: 3, BackoffBase: 500 * time.Millisecond, BackoffCap: 10 * time.Second, MaxInFlight: 4},
		KindReport:        {Deadline: 60 * time.Second, MaxAttempts: 2, BackoffBase: time.Second, BackoffCap: 15 * time.Second, MaxInFlight: 1},
	}
}

// sessionSlots holds the per-kind in-flight permits for one session.
type sessionSlots struct {
	slots map[Kind]chan struct{}
}

func newSessionSlots(policies map[Kind]Policy) *sessionSlots {
	s := &sessionSlots{slots: make(map[Kind]chan struct{}, len(policies))}
	for kind, p := range policies {
		n := p.MaxInFlight
		if n <= 0 {
			n = 1
		}
		s.slots[kind] = make(chan struct{}, n)
	}
	return s
}

// Gateway is the uniform dispatch layer toward external analysis services.
// It owns retry, backoff, deadlines, and the concurrency budget; callers
// see either a result or a classified error, never a raw transport failure.
type Gateway struct {
	services map[Kind]Service
	policies map[Kind]Policy

	// global caps total outbound calls across all sessions.
	global *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*sessionSlots

	commits *dedupe.Cache
	logger  *slog.Logger

	// sleep is swappable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// Config assembles a Gateway.
type Config struct {
	Services    map[Kind]Service
	Policies    map[Kind]Policy
	MaxInFlight int64
	Logger      *slog.Logger
}

// NewGateway creates a Gateway. Missing policies fall back to the defaults.
func NewGateway(cfg Config) *Gateway {
	policies := DefaultPolicies()
	for kind, p := range cfg.Policies {
		base := policies[kind]
		if p.Deadline > 0 {
			base.Deadline = p.Deadline
		}
		if p.MaxAttempts > 0 {
			base.MaxAttempts = p.MaxAttempts
		}
		if p.BackoffBase > 0 {
			base.BackoffBase = p.BackoffBase
		}
		if p.BackoffCap > 0 {
			base.BackoffCap = p.BackoffCap
		}
		if p.MaxInFlight > 0 {
			base.MaxInFlight = p.MaxInFlight
		}
		policies[kind] = base
	}

	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		services: cfg.Services,
		policies: policies,
		global:   semaphore.NewWeighted(maxInFlight),
		sessions: make(map[string]*sessionSlots),
		commits:  dedupe.New(10*time.Minute, 100_000),
		logger:   logger.With("component", "analysis-gateway"),
		sleep:    sleepCtx,
	}
}

// NewTask builds a task for dispatch.
func NewTask(sessionID string, kind Kind, seq uint64, in Input) *Task {
	return &Task{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Kind:      kind,
		Seq:       seq,
		Input:     in,
		State:     TaskPending,
	}
}

// Invoke runs one task synchronously, applying the kind's deadline and
// retry policy. Transient errors are retried with exponential backoff and
// jitter up to the attempt ceiling; terminal errors fail immediately.
// The returned error on exhaustion is the last failure.
func (g *Gateway) Invoke(ctx context.Context, task *Task) (*Result, error) {
	svc, ok := g.services[task.Kind]
	if !ok {
		return nil, TerminalError("unknown_kind", fmt.Errorf("no service for kind %s", task.Kind))
	}
	policy := g.policies[task.Kind]

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		task.Attempts = attempt
		task.State = TaskInFlight
		task.Deadline = time.Now().Add(policy.Deadline)

		result, err := g.invokeOnce(ctx, svc, task, policy.Deadline)
		if err == nil {
			task.State = TaskSucceeded
			if result.Kind == "" {
				result.Kind = task.Kind
			}
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || ctx.Err() != nil {
			break
		}
		task.State = TaskFailedRetryable

		if attempt == policy.MaxAttempts {
			break
		}

		backoff := backoffWithJitter(policy.BackoffBase, policy.BackoffCap, attempt)
		g.logger.Debug("retrying task",
			"task_id", task.ID,
			"kind", task.Kind,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if err := g.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}

	task.State = TaskFailedTerminal
	return nil, lastErr
}

// invokeOnce performs a single attempt under the per-attempt deadline.
func (g *Gateway) invokeOnce(ctx context.Context, svc Service, task *Task, deadline time.Duration) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	return svc.Invoke(attemptCtx, task.Input)
}

// Dispatch acquires the session's in-flight permit for the task's kind,
// then runs the task in the background and delivers its outcome — result
// or explicit terminal-failure marker — through deliver. The blocking
// permit wait is what pushes backpressure upstream: a saturated kind holds
// the caller's dispatch loop, the media queue fills, and the buffer
// signals Overloaded. ctx should be the session's context so teardown
// cancels both the wait and the call.
func (g *Gateway) Dispatch(ctx context.Context, task *Task, deliver func(*Outcome)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	slots := g.slotsFor(task.SessionID)
	slot := slots.slots[task.Kind]

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	go func() {
		defer func() { <-slot }()

		// Process-wide budget caps total outbound call rate.
		if err := g.global.Acquire(ctx, 1); err != nil {
			deliver(&Outcome{Task: task, Err: err})
			return
		}
		defer g.global.Release(1)

		result, err := g.Invoke(ctx, task)
		if err != nil {
			g.logger.Warn("task failed terminally",
				"task_id", task.ID,
				"session_id", task.SessionID,
				"kind", task.Kind,
				"seq", task.Seq,
				"attempts", task.Attempts,
				"error", err,
			)
			deliver(&Outcome{Task: task, Err: err})
			return
		}

		// At most one committed result per (session, seq, kind). A retried
		// call that raced an earlier committed attempt is discarded here.
		key := dedupe.CommitKey(task.SessionID, task.Seq, string(task.Kind))
		if g.commits.CheckAndMark(key) {
			g.logger.Debug("duplicate result discarded",
				"task_id", task.ID,
				"session_id", task.SessionID,
				"kind", task.Kind,
				"seq", task.Seq,
			)
			return
		}

		deliver(&Outcome{Task: task, Result: result})
	}()

	return nil
}

// slotsFor returns (creating if needed) the slot set for a session.
func (g *Gateway) slotsFor(sessionID string) *sessionSlots {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		s = newSessionSlots(g.policies)
		g.sessions[sessionID] = s
	}
	return s
}

// ReleaseSession drops the per-session slot bookkeeping after teardown.
// In-flight tasks are cancelled via the session context, not here.
func (g *Gateway) ReleaseSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

// Policy returns the effective policy for a kind.
func (g *Gateway) Policy(kind Kind) Policy {
	return g.policies[kind]
}

// Close releases gateway-held resources.
func (g *Gateway) Close() {
	g.commits.Close()
}

// backoffWithJitter computes base*2^(attempt-1) capped at ceil, with up to
// 25% random jitter to avoid thundering herds against a recovering service.
func backoffWithJitter(base, ceil time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > ceil || d <= 0 {
		d = ceil
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
