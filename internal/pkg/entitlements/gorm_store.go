package entitlements

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/creditgate/app/models"
)

// GormStore keeps entitlement records in a SQL table. Compare-and-swap is an
// UPDATE guarded by the version column; zero affected rows means the race was lost.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store backed by GORM.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	var rec models.EntitlementRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.EntitlementRecord, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, ErrRecordNotFound
	}
	var rec models.EntitlementRecord
	err := s.db.WithContext(ctx).
		Where("provider_subscription_id = ?", subscriptionID).
		Order("updated_at DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// CreateIfAbsent relies on the unique user_id index: a concurrent insert
// simply does nothing and both callers read back the same row.
func (s *GormStore) CreateIfAbsent(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	rec := models.NewEntitlementRecord(userID)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(rec).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, err
	}
	return s.Get(ctx, userID)
}

func (s *GormStore) ApplyUpdate(ctx context.Context, userID string, mutate Mutation, expectedVersion *int64) (*models.EntitlementRecord, error) {
	cur, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if expectedVersion != nil && *expectedVersion != cur.Version {
		return nil, ErrConditionalUpdateLost
	}
	next, err := applyMutation(cur, mutate)
	if err != nil {
		return nil, err
	}
	if err := s.swap(ctx, cur, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *GormStore) TryConditionalUpdate(ctx context.Context, userID string, pred Predicate, mutate Mutation) (*models.EntitlementRecord, bool, error) {
	cur, err := s.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if pred != nil && !pred(cur.Clone()) {
		return cur, false, nil
	}
	next, err := applyMutation(cur, mutate)
	if err != nil {
		return nil, false, err
	}
	if err := s.swap(ctx, cur, next); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

func (s *GormStore) List(ctx context.Context, filter ListFilter) ([]models.EntitlementRecord, error) {
	q := s.db.WithContext(ctx).Model(&models.EntitlementRecord{})
	if filter.ActiveOnly {
		q = q.Where("subscription_active = ?", true)
	}
	if filter.WithSubscriptionRef {
		q = q.Where("provider_subscription_id <> ''")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var recs []models.EntitlementRecord
	if err := q.Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *GormStore) swap(ctx context.Context, cur, next *models.EntitlementRecord) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.EntitlementRecord{}).
		Where("user_id = ? AND version = ?", cur.UserID, cur.Version).
		Updates(map[string]interface{}{
			"subscription_active":      next.SubscriptionActive,
			"active_since":             next.ActiveSince,
			"canceled_at":              next.CanceledAt,
			"provider_subscription_id": next.ProviderSubscriptionID,
			"file_credits":             next.FileCredits,
			"last_payment_at":          next.LastPaymentAt,
			"processed_event_ids":      next.ProcessedEventIDs,
			"founder_supporter":        next.FounderSupporter,
			"founder_since":            next.FounderSince,
			"version":                  next.Version,
			"updated_at":               now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConditionalUpdateLost
	}
	next.UpdatedAt = now
	return nil
}
