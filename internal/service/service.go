package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"tokoledger/backend/internal/cache"
	"tokoledger/backend/internal/catalog"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/events"
	"tokoledger/backend/internal/ledger"
	"tokoledger/backend/internal/metrics"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

type correlationContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// WithCorrelationID tags audit records written under ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationContextKey{}, id)
}

func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationContextKey{}).(string)
	return id
}

type Options struct {
	Cache           cache.AvailabilityCache
	AvailabilityTTL time.Duration
	Publisher       events.Publisher
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
	Authorizer      Authorizer
	DefaultTenantID string
	DefaultStoreID  string
}

type Service struct {
	repo            store.Repository
	resolver        *catalog.Resolver
	ledger          *ledger.Ledger
	cache           cache.AvailabilityCache
	availabilityTTL time.Duration
	publisher       events.Publisher
	metrics         *metrics.Metrics
	log             *zap.Logger
	authorizer      Authorizer
	defaultTenantID string
	defaultStoreID  string
	now             func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Cache == nil {
		opts.Cache = cache.NoopAvailabilityCache{}
	}
	if opts.AvailabilityTTL <= 0 {
		opts.AvailabilityTTL = 15 * time.Second
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Authorizer == nil {
		opts.Authorizer = RoleAuthorizer{}
	}
	if opts.DefaultTenantID == "" {
		opts.DefaultTenantID = "main-tenant"
	}
	if opts.DefaultStoreID == "" {
		opts.DefaultStoreID = "main-store"
	}

	return &Service{
		repo:            repo,
		resolver:        catalog.NewResolver(),
		ledger:          ledger.New(),
		cache:           opts.Cache,
		availabilityTTL: opts.AvailabilityTTL,
		publisher:       opts.Publisher,
		metrics:         opts.Metrics,
		log:             opts.Logger.Named("service"),
		authorizer:      opts.Authorizer,
		defaultTenantID: opts.DefaultTenantID,
		defaultStoreID:  opts.DefaultStoreID,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// inTx runs fn and retries it once when the store reports a concurrent
// update. fn must not leak state from a failed attempt.
func (s *Service) inTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := s.repo.InTx(ctx, fn)
	if errors.Is(err, store.ErrConcurrencyConflict) {
		s.metrics.TxRetries.Inc()
		s.log.Debug("retrying transaction after concurrent update", zap.Error(err))
		err = s.repo.InTx(ctx, fn)
	}
	if errors.Is(err, store.ErrConcurrencyConflict) {
		return &domain.Conflict{
			Reason:    domain.ConflictConcurrentUpdate,
			Message:   "the record changed concurrently, retry the request",
			Retryable: true,
		}
	}
	return err
}

func (s *Service) actor(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func (s *Service) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, fmt.Errorf("admin role required: %w", ErrForbidden)
	}
	return actor, nil
}

func (s *Service) tenantOrDefault(tenantID string) string {
	if strings.TrimSpace(tenantID) == "" {
		return s.defaultTenantID
	}
	return strings.TrimSpace(tenantID)
}

func (s *Service) storeOrDefault(storeID string) string {
	if strings.TrimSpace(storeID) == "" {
		return s.defaultStoreID
	}
	return strings.TrimSpace(storeID)
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	storeID = s.storeOrDefault(storeID)
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, domain.Invalid("date", "expected YYYY-MM-DD")
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, storeID, from, to, limit)
}

// logAudit records an audit entry. Failures are logged and swallowed.
func (s *Service) logAudit(ctx context.Context, tenantID string, storeID string, action string, entityType string, entityID string, before any, after any) {
	actor := s.actor(ctx)
	entry := domain.AuditLog{
		ID:            xid.New("audit"),
		TenantID:      tenantID,
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		BeforeJSON:    encodeJSON(before),
		AfterJSON:     encodeJSON(after),
		CorrelationID: CorrelationIDFromContext(ctx),
		CreatedAt:     s.now(),
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

// publish emits an event after commit. Failures are logged and swallowed.
func (s *Service) publish(ctx context.Context, eventType string, tenantID string, storeID string, entityID string, payload any) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	event := events.Event{
		EventID:   xid.New("evt"),
		EventType: eventType,
		TenantID:  tenantID,
		StoreID:   storeID,
		EntityID:  entityID,
		Payload:   payload,
		Timestamp: s.now(),
	}
	if err := s.publisher.Publish(publishCtx, event); err != nil {
		s.log.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

func (s *Service) invalidate(ctx context.Context, pattern string) {
	if err := s.cache.Invalidate(ctx, pattern); err != nil {
		s.log.Warn("failed to invalidate availability cache", zap.String("pattern", pattern), zap.Error(err))
	}
}

func (s *Service) countConflict(operation string, err error) {
	var conflict *domain.Conflict
	if errors.As(err, &conflict) {
		s.metrics.Conflicts.WithLabelValues(operation, string(conflict.Reason)).Inc()
	}
}

func encodeJSON(val any) string {
	if val == nil {
		return ""
	}
	payload, err := json.Marshal(val)
	if err != nil {
		return ""
	}
	return string(payload)
}
