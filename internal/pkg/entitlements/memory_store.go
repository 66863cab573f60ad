package entitlements

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/creditgate/app/models"
)

// MemoryStore is a process-local Store for development and tests. Reads and
// writes take the lock separately so callers see the same optimistic races
// as with the SQL store.
type MemoryStore struct {
	mu     sync.Mutex
	nextID uint
	recs   map[string]*models.EntitlementRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*models.EntitlementRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.EntitlementRecord, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, ErrRecordNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.EntitlementRecord
	for _, rec := range s.recs {
		if rec.ProviderSubscriptionID != subscriptionID {
			continue
		}
		if found == nil || rec.UpdatedAt.After(found.UpdatedAt) {
			found = rec
		}
	}
	if found == nil {
		return nil, ErrRecordNotFound
	}
	return found.Clone(), nil
}

func (s *MemoryStore) CreateIfAbsent(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[userID]; ok {
		return rec.Clone(), nil
	}
	s.nextID++
	now := time.Now()
	rec := models.NewEntitlementRecord(userID)
	rec.ID = s.nextID
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.recs[userID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) ApplyUpdate(ctx context.Context, userID string, mutate Mutation, expectedVersion *int64) (*models.EntitlementRecord, error) {
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
	if err := s.swap(cur, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *MemoryStore) TryConditionalUpdate(ctx context.Context, userID string, pred Predicate, mutate Mutation) (*models.EntitlementRecord, bool, error) {
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
	if err := s.swap(cur, next); err != nil {
		return nil, false, err
	}
	return next.Clone(), true, nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]models.EntitlementRecord, error) {
	s.mu.Lock()
	out := make([]models.EntitlementRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		if filter.ActiveOnly && !rec.SubscriptionActive {
			continue
		}
		if filter.WithSubscriptionRef && rec.ProviderSubscriptionID == "" {
			continue
		}
		out = append(out, *rec.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []models.EntitlementRecord{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) swap(cur, next *models.EntitlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.recs[cur.UserID]
	if !ok || stored.Version != cur.Version {
		return ErrConditionalUpdateLost
	}
	next.UpdatedAt = time.Now()
	s.recs[cur.UserID] = next.Clone()
	return nil
}
