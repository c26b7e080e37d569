// Package workflow is the only write surface of the service. Every
// operation validates locally, resolves its target through the entity
// cache, performs one or more gateway writes and then announces the change
// as an activity event. Results become visible through the next snapshot;
// the cache is never written from here.
package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contracts "projectsync/contracts/mq"
	"projectsync/internal/cache"
	"projectsync/internal/model"
	"projectsync/internal/store"
	"projectsync/pkg/circuitbreaker"
	"projectsync/pkg/logger"
	"projectsync/pkg/metrics"
	"projectsync/pkg/trace"
	"projectsync/pkg/util"
)

// Publisher announces activity events. *mq.Publisher satisfies it.
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey, messageID string, payload any) error
}

type Option func(*Engine)

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = cb }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	gw       store.Gateway
	cache    *cache.Cache
	pub      Publisher
	breaker  *circuitbreaker.CircuitBreaker
	validate *util.Validator
	logger   *zap.Logger
	now      func() time.Time
}

// BreakerConfig is the default breaker setup: only transient store errors
// count as failures.
func BreakerConfig(failures int, timeout time.Duration, log *zap.Logger) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	if failures > 0 {
		cfg.FailureThreshold = failures
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	cfg.IsFailure = func(err error) bool { return errors.Is(err, model.ErrTransient) }
	cfg.OnStateChange = func(from, to circuitbreaker.State) {
		log.Warn("Store circuit breaker changed state",
			zap.String("from", from.String()), zap.String("to", to.String()))
	}
	return cfg
}

func New(gw store.Gateway, c *cache.Cache, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		gw:       gw,
		cache:    c,
		validate: util.NewValidator(),
		logger:   log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = circuitbreaker.NewCircuitBreaker(BreakerConfig(0, 0, log))
	}
	return e
}

// exec runs one gateway call behind the breaker and records its latency.
func (e *Engine) exec(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := e.breaker.Execute(fn)
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		err = &model.TransientStoreError{Op: op, Err: err}
	} else if err != nil {
		err = util.ClassifyStoreError(op, err)
	}

	status := "ok"
	if err != nil {
		status = "error"
		logger.WithTrace(ctx, e.logger).Error("Mutation failed", zap.String("op", op), zap.Error(err))
	}
	metrics.RecordMutation(op, status, time.Since(start))
	return err
}

// publish announces ev. Failures are logged; the mutation already happened.
func (e *Engine) publish(ctx context.Context, actor model.Identity, ev contracts.ActivityEvent) {
	if e.pub == nil {
		return
	}
	ctx, traceID := trace.Ensure(ctx)
	ev.EventID = uuid.NewString()
	ev.ActorID = actor.ID
	ev.ActorRole = string(actor.Role)
	ev.TraceID = traceID
	ev.OccurredAt = e.now().UTC()

	if err := e.pub.PublishWithContext(ctx, ev.Type, ev.EventID, ev); err != nil {
		metrics.IncrementPublished(ev.Type, "error")
		logger.WithTrace(ctx, e.logger).Warn("Failed to publish activity event",
			zap.String("type", ev.Type), zap.String("event_id", ev.EventID), zap.Error(err))
		return
	}
	metrics.IncrementPublished(ev.Type, "ok")
}

func (e *Engine) project(id string) (model.Project, error) {
	p, ok := e.cache.Read().Project(id)
	if !ok {
		return model.Project{}, &model.NotFoundError{Kind: "project", ID: id}
	}
	return p, nil
}

func (e *Engine) suggestion(projectID, id string) (model.Suggestion, error) {
	s, ok := e.cache.Read().Suggestion(projectID, id)
	if !ok {
		return model.Suggestion{}, &model.NotFoundError{Kind: "suggestion", ID: id}
	}
	return s, nil
}

// companyOf is the company an actor acts for. Company accounts are their
// own company unless the identity says otherwise.
func companyOf(actor model.Identity) string {
	if actor.CompanyID != "" {
		return actor.CompanyID
	}
	return actor.ID
}

// authorize checks that actor may touch p. Companies only reach projects
// stamped with their own company id, so a project without an owner is
// read-only for everyone; clients only reach projects assigned to them.
func authorize(actor model.Identity, p model.Project) error {
	switch actor.Role {
	case model.RoleCompany:
		if p.CompanyID != "" && p.CompanyID == companyOf(actor) {
			return nil
		}
	case model.RoleClient:
		if p.ClientID == actor.ID {
			return nil
		}
	}
	return model.ErrForbidden
}

func required(field, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", &model.ValidationError{Field: field, Message: "must not be empty"}
	}
	return v, nil
}
