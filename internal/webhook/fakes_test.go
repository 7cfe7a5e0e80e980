package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// memWebhooks はWebhookRepositoryのインメモリ実装。
type memWebhooks struct {
	mu   sync.Mutex
	subs map[string]*model.WebhookSubscription
	err  error
}

func newMemWebhooks(subs ...*model.WebhookSubscription) *memWebhooks {
	m := &memWebhooks{subs: make(map[string]*model.WebhookSubscription)}
	for _, s := range subs {
		m.subs[s.ID] = s
	}
	return m
}

func (m *memWebhooks) get(id string) model.WebhookSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.subs[id]
}

func (m *memWebhooks) FindByID(_ context.Context, id string) (*model.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.subs[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memWebhooks) ListByUserID(_ context.Context, userID string) ([]*model.WebhookSubscription, error) {
	return m.list(userID, false)
}

func (m *memWebhooks) ListActiveByUserID(_ context.Context, userID string) ([]*model.WebhookSubscription, error) {
	return m.list(userID, true)
}

func (m *memWebhooks) list(userID string, activeOnly bool) ([]*model.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*model.WebhookSubscription
	for _, s := range m.subs {
		if s.UserID != userID || (activeOnly && !s.IsActive) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memWebhooks) Create(_ context.Context, sub *model.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *memWebhooks) Update(_ context.Context, sub *model.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[sub.ID]
	if !ok {
		return nil
	}
	if sub.IsActive && !cur.IsActive {
		cur.FailureCount = 0
	}
	cur.URL = sub.URL
	cur.Events = sub.Events
	cur.IsActive = sub.IsActive
	cur.UpdatedAt = sub.UpdatedAt
	return nil
}

func (m *memWebhooks) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *memWebhooks) RecordFailure(_ context.Context, id string, threshold int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return false, nil
	}
	s.FailureCount++
	if s.FailureCount >= threshold {
		s.IsActive = false
	}
	return s.FailureCount >= threshold, nil
}

func (m *memWebhooks) ResetFailures(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[id]; ok {
		s.FailureCount = 0
	}
	return nil
}

// memDeliveries はDeliveryRepositoryのインメモリ実装。
type memDeliveries struct {
	mu        sync.Mutex
	rows      map[string]*model.WebhookDelivery
	order     []string
	createErr error
}

func newMemDeliveries() *memDeliveries {
	return &memDeliveries{rows: make(map[string]*model.WebhookDelivery)}
}

func (m *memDeliveries) all() []model.WebhookDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.WebhookDelivery, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.rows[id])
	}
	return out
}

func (m *memDeliveries) Create(_ context.Context, d *model.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *d
	m.rows[d.ID] = &cp
	m.order = append(m.order, d.ID)
	return nil
}

func (m *memDeliveries) Update(_ context.Context, d *model.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[d.ID]; !ok {
		return errors.New("delivery not found")
	}
	cp := *d
	m.rows[d.ID] = &cp
	return nil
}

func (m *memDeliveries) ClaimDue(_ context.Context, now time.Time, staleAfter time.Duration, limit int) ([]*model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.WebhookDelivery
	for _, id := range m.order {
		d := m.rows[id]
		due := d.Status == model.DeliveryFailed && d.NextRetryAt != nil && !d.NextRetryAt.After(now)
		stale := d.Status == model.DeliveryPending && d.UpdatedAt.Before(now.Add(-staleAfter))
		if !due && !stale {
			continue
		}
		d.Status = model.DeliveryPending
		d.NextRetryAt = nil
		d.UpdatedAt = now
		cp := *d
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memDeliveries) ListBySubscriptionID(_ context.Context, subscriptionID string, limit int) ([]*model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.WebhookDelivery
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		d := m.rows[m.order[i]]
		if d.SubscriptionID == subscriptionID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// testClock は手動で進める時計。
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
