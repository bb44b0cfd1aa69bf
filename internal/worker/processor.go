package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"refurb-tracker/internal/config"
	"refurb-tracker/internal/effects"
	"refurb-tracker/internal/models"
	"refurb-tracker/internal/store"
	"refurb-tracker/internal/telemetry"
)

// Handler executes one side-effect kind.
type Handler func(ctx context.Context, eff models.Effect) error

// Processor drives the effect execution loop. Effects are best-effort
// post-commit work: a failing handler retries with backoff and eventually
// dead-letters, but never touches the transition that spawned it.
type Processor struct {
	cfg      config.Config
	queue    *effects.Queue
	store    *store.Store
	handlers map[string]Handler
	log      *zap.Logger
}

func NewProcessor(cfg config.Config, q *effects.Queue, st *store.Store, log *zap.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// RegisterHandler binds a handler to an effect kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.EffectsInFlight.Sub(float64(len(reclaimed)))
			p.log.Warn("reclaimed expired effect leases", zap.Int("count", len(reclaimed)))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.EffectQueueDepth.Set(float64(depth))
		}

		effectID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || effectID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		eff, err := p.store.GetEffect(ctx, effectID)
		if err != nil {
			p.log.Error("load effect", zap.String("effect_id", effectID), zap.Error(err))
			_ = p.queue.Ack(ctx, effectID)
			continue
		}
		if eff.Status == models.EffectSucceeded || eff.Status == models.EffectDeadLetter {
			_ = p.queue.Ack(ctx, effectID)
			continue
		}

		_ = p.store.MarkEffectInProgress(ctx, eff.ID)
		telemetry.EffectsInFlight.Inc()
		p.runEffect(ctx, eff)
		telemetry.EffectsInFlight.Dec()
	}
}

func (p *Processor) runEffect(ctx context.Context, eff models.Effect) {
	err := p.dispatch(ctx, eff)
	if err == nil {
		_ = p.queue.Ack(ctx, eff.ID)
		_ = p.store.MarkEffectSucceeded(ctx, eff.ID)
		telemetry.EffectSuccess.Inc()
		p.log.Info("effect completed", zap.String("effect_id", eff.ID), zap.String("kind", eff.Kind))
		return
	}

	attempts := eff.Attempts + 1
	if attempts >= eff.MaxAttempts {
		_ = p.store.MarkEffectDeadLetter(ctx, eff.ID, err.Error())
		_ = p.queue.Ack(ctx, eff.ID)
		_ = p.queue.DLQPush(ctx, eff.ID)
		telemetry.EffectDeadLetter.Inc()
		p.log.Error("effect dead-lettered",
			zap.String("effect_id", eff.ID), zap.String("kind", eff.Kind),
			zap.Int("attempts", attempts), zap.Error(err))
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	_ = p.store.UpdateEffectAttempts(ctx, eff.ID, attempts, err.Error())
	_ = p.queue.Ack(ctx, eff.ID)
	_ = p.queue.Schedule(ctx, eff.ID, time.Now().Add(backoff))
	telemetry.EffectFailures.Inc()
	p.log.Warn("effect failed, retry scheduled",
		zap.String("effect_id", eff.ID), zap.String("kind", eff.Kind),
		zap.Int("attempts", attempts), zap.Duration("backoff", backoff), zap.Error(err))
}

func (p *Processor) dispatch(ctx context.Context, eff models.Effect) error {
	handler, ok := p.handlers[eff.Kind]
	if !ok {
		return fmt.Errorf("no handler registered for kind %q", eff.Kind)
	}
	return handler(ctx, eff)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
