package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/creditgate/app/models"
	"github.com/ManuelReschke/creditgate/internal/pkg/entitlements"
	"github.com/ManuelReschke/creditgate/internal/pkg/env"
)

// Config collects the billing settings read from the environment.
type Config struct {
	Provider         string
	WebhookSecret    string
	WebhookTolerance time.Duration
	RetryAttempts    int
	ReconcileLockTTL time.Duration
	Events           EventConfig
}

func ConfigFromEnv() Config {
	return Config{
		Provider:         strings.ToLower(strings.TrimSpace(env.GetEnv("PROVIDER_NAME", "stripe"))),
		WebhookSecret:    strings.TrimSpace(env.GetEnv("WEBHOOK_SECRET", "")),
		WebhookTolerance: env.GetEnvDuration("WEBHOOK_TOLERANCE", DefaultTolerance),
		RetryAttempts:    env.GetEnvInt("UPDATE_RETRY_ATTEMPTS", entitlements.DefaultRetryAttempts),
		ReconcileLockTTL: env.GetEnvDuration("RECONCILE_LOCK_TTL", DefaultReconcileLockTTL),
		Events: EventConfig{
			CreditProductCredits: int64(env.GetEnvInt("CREDIT_PRODUCT_CREDITS", 10)),
			FounderProductID:     strings.TrimSpace(env.GetEnv("FOUNDER_PRODUCT_ID", "")),
		},
	}
}

// OutcomeRecorder receives one outcome per handled webhook delivery.
type OutcomeRecorder interface {
	AddWebhookOutcome(ctx context.Context, outcome string) error
}

// Service wires verifier, processor, ledger and reconciler together.
type Service struct {
	cfg        Config
	Processor  *Processor
	Ledger     *Ledger
	Reconciler *Reconciler

	repo     Repository
	recorder OutcomeRecorder
	now      func() time.Time
}

// NewService creates a billing service. repo and recorder may be nil.
func NewService(cfg Config, store entitlements.Store, provider ProviderClient, locker Locker, repo Repository, recorder OutcomeRecorder) *Service {
	if cfg.Provider == "" {
		cfg.Provider = "stripe"
	}
	processor := NewProcessor(store, cfg.RetryAttempts)
	return &Service{
		cfg:        cfg,
		Processor:  processor,
		Ledger:     NewLedger(store, cfg.RetryAttempts),
		Reconciler: NewReconciler(store, processor, provider, locker, cfg.ReconcileLockTTL),
		repo:       repo,
		recorder:   recorder,
		now:        time.Now,
	}
}

// HandleWebhook verifies and applies one provider delivery. Verification
// errors wrap ErrVerificationFailed; events that cannot be routed to a user
// are acknowledged as ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*Result, error) {
	verified, err := VerifyWebhook(payload, signatureHeader, s.cfg.WebhookSecret, s.cfg.WebhookTolerance, s.now())
	if err != nil {
		log.Warnf("[Billing] Rejected webhook: %v", err)
		return nil, err
	}

	ev, parseErr := ParseEvent(verified, s.cfg.Events)
	userID := ""
	if ev != nil {
		userID = ev.UserID
	}
	audit := s.recordWebhookEvent(ctx, WebhookEventInput{
		Provider:        s.cfg.Provider,
		ProviderEventID: verified.ID,
		EventType:       verified.Type,
		UserID:          userID,
		PayloadJSON:     string(payload),
	})
	if parseErr != nil {
		s.finish(ctx, audit, nil, parseErr)
		return nil, parseErr
	}

	res, err := s.Processor.Process(ctx, ev)
	if errors.Is(err, ErrUnroutableEvent) {
		log.Warnf("[Billing] Ignoring event %s (%s): %v", ev.ID, ev.RawType, err)
		res = &Result{EventID: ev.ID, Type: ev.Type, Ignored: true}
		err = nil
	}
	s.finish(ctx, audit, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListWebhookEvents returns the newest audit rows.
func (s *Service) ListWebhookEvents(limit int) ([]models.BillingWebhookEvent, error) {
	if s.repo == nil {
		return []models.BillingWebhookEvent{}, nil
	}
	return s.repo.ListWebhookEvents(limit)
}

func (s *Service) recordWebhookEvent(ctx context.Context, in WebhookEventInput) *models.BillingWebhookEvent {
	if s.repo == nil {
		return nil
	}
	event := &models.BillingWebhookEvent{
		Provider:        strings.ToLower(strings.TrimSpace(in.Provider)),
		ProviderEventID: strings.TrimSpace(in.ProviderEventID),
		EventType:       strings.TrimSpace(in.EventType),
		UserID:          in.UserID,
		PayloadJSON:     in.PayloadJSON,
	}
	created, stored, err := s.repo.CreateWebhookEventIfNotExists(event)
	if err != nil {
		log.Errorf("[Billing] Failed to store webhook event %s: %v", in.ProviderEventID, err)
		return nil
	}
	// an already applied delivery keeps its original audit outcome
	if !created && stored.Outcome == models.WebhookOutcomeApplied {
		return nil
	}
	return stored
}

func (s *Service) finish(ctx context.Context, audit *models.BillingWebhookEvent, res *Result, procErr error) {
	outcome := res.Outcome()
	errMsg := ""
	if procErr != nil {
		outcome = models.WebhookOutcomeFailed
		errMsg = procErr.Error()
	}
	if s.recorder != nil {
		if err := s.recorder.AddWebhookOutcome(ctx, outcome); err != nil {
			log.Warnf("[Billing] Failed to count webhook outcome: %v", err)
		}
	}
	if audit == nil || s.repo == nil {
		return
	}
	if err := s.repo.MarkWebhookProcessed(audit.ID, outcome, errMsg); err != nil {
		log.Errorf("[Billing] Failed to mark webhook event %d processed: %v", audit.ID, err)
	}
}
