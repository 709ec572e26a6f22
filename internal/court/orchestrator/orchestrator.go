// Package orchestrator drives court sessions through their phases. It
// is the only writer of session state: every mutation is validated by
// the domain deciders, written through the store with a version guard,
// mirrored into the cache, fanned out to peer instances, and announced
// to connected clients.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/couplescourt/internal/court/cache"
	"github.com/louisbranch/couplescourt/internal/court/domain"
	"github.com/louisbranch/couplescourt/internal/court/risk"
	"github.com/louisbranch/couplescourt/internal/court/storage"
	"github.com/louisbranch/couplescourt/internal/court/verdict"
	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
	"github.com/louisbranch/couplescourt/internal/platform/timeouts"
)

// sessionCache is the mirror the orchestrator keeps warm. Nil disables
// mirroring.
type sessionCache interface {
	PutSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, bool, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// publisher fans session updates out to peer instances. Nil disables
// fan-out.
type publisher interface {
	Publish(ctx context.Context, event cache.Event) error
}

// locker serializes finalization across instances. Nil runs without
// cross-instance exclusion (single-instance deployments).
type locker interface {
	Acquire(ctx context.Context, name string) (string, error)
	Release(ctx context.Context, name, token string) error
}

// Config wires the orchestrator's collaborators. Store and Generator
// are required; the rest default to safe no-ops.
type Config struct {
	Store       storage.SessionStore
	Cache       sessionCache
	Publisher   publisher
	Locker      locker
	Generator   verdict.Generator
	Gate        risk.Gate
	Broadcaster Broadcaster
	Logger      *log.Logger
	Timeouts    TimeoutConfig
	Now         func() time.Time
}

// Orchestrator owns the per-session timers and the write path.
type Orchestrator struct {
	store       storage.SessionStore
	cache       sessionCache
	publisher   publisher
	locker      locker
	generator   verdict.Generator
	gate        risk.Gate
	broadcaster Broadcaster
	logger      *log.Logger
	timeouts    TimeoutConfig
	now         func() time.Time
	tracer      trace.Tracer

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	background sync.WaitGroup
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "session store is required")
	}
	if cfg.Generator == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "verdict generator is required")
	}
	if cfg.Gate == nil {
		cfg.Gate = risk.AllowAll{}
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = noopBroadcaster{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "orchestrator: ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Timeouts = cfg.Timeouts.withDefaults()

	return &Orchestrator{
		store:       cfg.Store,
		cache:       cfg.Cache,
		publisher:   cfg.Publisher,
		locker:      cfg.Locker,
		generator:   cfg.Generator,
		gate:        cfg.Gate,
		broadcaster: cfg.Broadcaster,
		logger:      cfg.Logger,
		timeouts:    cfg.Timeouts,
		now:         cfg.Now,
		tracer:      otel.Tracer("court/orchestrator"),
		timers:      map[string]*time.Timer{},
	}, nil
}

// TimeoutFor exposes the effective per-phase budget so transport
// surfaces can render absolute deadlines.
func (o *Orchestrator) TimeoutFor(phase domain.Phase) time.Duration {
	return o.timeouts.For(phase)
}

// GetSession serves reads cache-first; the store is authoritative on a
// miss or cache failure.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if o.cache != nil {
		session, ok, err := o.cache.GetSession(ctx, sessionID)
		if err != nil {
			o.logger.Printf("cache read failed for session %s: %v", sessionID, err)
		} else if ok {
			return session, nil
		}
	}
	return o.store.GetSession(ctx, sessionID)
}

// GetActiveSession returns the couple's current open session.
func (o *Orchestrator) GetActiveSession(ctx context.Context, coupleID string) (domain.Session, error) {
	return o.store.GetActiveSessionByCouple(ctx, coupleID)
}

// Rehydrate rebuilds timers and resumes interrupted generation for
// every open session. Called once on process start, before traffic.
//
// Deadlines are absolute, so a timeout that elapsed while the process
// was down fires immediately. A session caught mid-analysis restarts
// verdict generation from its persisted evidence. A session caught in
// MISMATCH before its hybrid was synthesized restarts that request
// from the recorded picks; after a repeat mismatch picking reopens
// over the menu as it stands.
func (o *Orchestrator) Rehydrate(ctx context.Context) error {
	sessions, err := o.store.ListOpenSessions(ctx)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		o.schedule(session)
		switch session.Phase {
		case domain.PhaseAnalyzing:
			o.startVerdictGeneration(session.ID)
		case domain.PhaseMismatch:
			if session.HybridRequested {
				if _, err := o.reopenPicking(ctx, session.ID); err != nil {
					o.logger.Printf("reopen picking for session %s: %v", session.ID, err)
				}
			} else {
				o.startHybridGeneration(session.ID)
			}
		}
	}
	o.logger.Printf("rehydrated %d open sessions", len(sessions))
	return nil
}

// ApplyRemote ingests a peer instance's session update: local timers
// follow the new phase and local clients hear about it.
func (o *Orchestrator) ApplyRemote(event cache.Event) {
	if event.Session == nil {
		return
	}
	session := *event.Session
	if session.Phase.Terminal() {
		o.cancelTimer(session.ID)
	} else {
		o.schedule(session)
	}
	o.broadcaster.BroadcastSession(Event{Type: event.Type, Session: session})
}

// Shutdown stops all timers and waits for in-flight generation work.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	for id, timer := range o.timers {
		timer.Stop()
		delete(o.timers, id)
	}
	o.mu.Unlock()
	o.background.Wait()
}

// beginWork registers one background task. Registration happens under
// the same lock Shutdown takes to set closed, so once Shutdown starts
// waiting no new task can slip past it.
func (o *Orchestrator) beginWork() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.background.Add(1)
	return true
}

// mutate is the single write path: load, decide, compare-and-set,
// then mirror, fan out, and reschedule.
func (o *Orchestrator) mutate(ctx context.Context, op, sessionID string, fn func(domain.Session) (domain.Session, error)) (domain.Session, error) {
	ctx, span := o.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	current, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	next, err := fn(current)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if err := o.store.UpdateSession(ctx, next, current.Version); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	o.afterWrite(ctx, next)
	return next, nil
}

// afterWrite handles the fallout of a durable write. Cache and fan-out
// failures are logged, never surfaced: the store already holds the
// truth.
func (o *Orchestrator) afterWrite(ctx context.Context, session domain.Session) {
	if session.Phase.Terminal() {
		o.cancelTimer(session.ID)
		if o.cache != nil {
			if err := o.cache.DeleteSession(ctx, session.ID); err != nil {
				o.logger.Printf("evict session %s from cache: %v", session.ID, err)
			}
		}
	} else {
		o.schedule(session)
		if o.cache != nil {
			if err := o.cache.PutSession(ctx, session); err != nil {
				o.logger.Printf("mirror session %s to cache: %v", session.ID, err)
			}
		}
	}
	if o.publisher != nil {
		event := cache.Event{
			Type:      EventSessionUpdated,
			SessionID: session.ID,
			CoupleID:  session.CoupleID,
			Session:   &session,
		}
		if err := o.publisher.Publish(ctx, event); err != nil {
			o.logger.Printf("fan out session %s update: %v", session.ID, err)
		}
	}
}

// withLock runs fn while holding the session's distributed lock. With
// no locker configured the call runs unguarded; a configured but
// unreachable locker rejects the mutation.
func (o *Orchestrator) withLock(ctx context.Context, sessionID string, fn func() error) error {
	if o.locker == nil {
		return fn()
	}
	token, err := o.locker.Acquire(ctx, "session:"+sessionID)
	if err != nil {
		return err
	}
	defer func() {
		if err := o.locker.Release(ctx, "session:"+sessionID, token); err != nil {
			o.logger.Printf("release lock for session %s: %v", sessionID, err)
		}
	}()
	return fn()
}

// screen consults the risk gate. Denials carry the gate's reason; a
// gate failure blocks the action outright.
func (o *Orchestrator) screen(ctx context.Context, check risk.Check) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.UpstreamRequest)
	defer cancel()

	decision, err := o.gate.Screen(ctx, check)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return apperrors.WithMetadata(apperrors.CodeForbidden, "content was not admitted", map[string]string{
			"reason": decision.Reason,
		})
	}
	return nil
}
