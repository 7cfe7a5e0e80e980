package webhook

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// mockURLValidator はURLValidatorのモック。
type mockURLValidator struct {
	validateFn func(rawURL string) error
}

func (m *mockURLValidator) ValidateURL(rawURL string) error {
	if m.validateFn != nil {
		return m.validateFn(rawURL)
	}
	return nil
}

func newTestService(subs *memWebhooks, deliveries *memDeliveries, urls URLValidator) *Service {
	return NewService(subs, deliveries, urls, nil)
}

func apiErrorCode(t *testing.T, err error) string {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %T (%v)", err, err)
	}
	return apiErr.Code
}

func TestService_Create(t *testing.T) {
	subs := newMemWebhooks()
	svc := newTestService(subs, newMemDeliveries(), &mockURLValidator{})

	sub, err := svc.Create(context.Background(), "user-1", CreateInput{
		URL:    "https://hooks.example.com/qr",
		Events: []string{EventScanCreated, "alert.spike", EventScanCreated},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(sub.Secret, "whsec_") || len(sub.Secret) != len("whsec_")+64 {
		t.Errorf("unexpected secret format: %q", sub.Secret)
	}
	if !sub.IsActive || sub.UserID != "user-1" {
		t.Errorf("unexpected subscription: %+v", sub)
	}
	if len(sub.Events) != 2 {
		t.Errorf("duplicate events should be collapsed, got %v", sub.Events)
	}
	if _, ok := subs.subs[sub.ID]; !ok {
		t.Error("subscription should be persisted")
	}
}

func TestService_Create_SecretsAreUnique(t *testing.T) {
	svc := newTestService(newMemWebhooks(), newMemDeliveries(), &mockURLValidator{})
	in := CreateInput{URL: "https://hooks.example.com/qr", Events: []string{EventAll}}

	a, err := svc.Create(context.Background(), "user-1", in)
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Create(context.Background(), "user-1", in)
	if err != nil {
		t.Fatal(err)
	}
	if a.Secret == b.Secret {
		t.Error("each subscription should get its own secret")
	}
}

func TestService_Create_Validation(t *testing.T) {
	ssrf := &mockURLValidator{validateFn: func(rawURL string) error {
		if strings.Contains(rawURL, "169.254") {
			return errors.New("blocked")
		}
		return nil
	}}
	svc := newTestService(newMemWebhooks(), newMemDeliveries(), ssrf)

	tests := []struct {
		name string
		in   CreateInput
		code string
	}{
		{"missing url", CreateInput{Events: []string{EventAll}}, model.ErrCodeInvalidRequest},
		{"not a url", CreateInput{URL: "hooks", Events: []string{EventAll}}, model.ErrCodeInvalidRequest},
		{"no events", CreateInput{URL: "https://hooks.example.com"}, model.ErrCodeInvalidRequest},
		{"blocked url", CreateInput{URL: "http://169.254.169.254/latest", Events: []string{EventAll}}, model.ErrCodeInvalidWebhookURL},
		{"unknown event", CreateInput{URL: "https://hooks.example.com", Events: []string{"scan.deleted"}}, model.ErrCodeInvalidWebhookEvents},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), "user-1", tt.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apiErrorCode(t, err); got != tt.code {
				t.Errorf("code = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestService_Update(t *testing.T) {
	sub := subscription("0b9c3a52-7f7e-4b1c-9b0a-6f2d5c1e8a11", "user-1", "https://a.example.com", EventAll)
	sub.IsActive = false
	sub.FailureCount = 10
	subs := newMemWebhooks(sub)
	svc := newTestService(subs, newMemDeliveries(), &mockURLValidator{})

	active := true
	newURL := "https://b.example.com/hooks"
	got, err := svc.Update(context.Background(), "user-1", sub.ID, UpdateInput{
		URL:      &newURL,
		Events:   []string{EventAllAlerts},
		IsActive: &active,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.URL != newURL || !got.IsActive || got.Events[0] != EventAllAlerts {
		t.Errorf("unexpected update result: %+v", got)
	}

	stored := subs.get(sub.ID)
	if stored.FailureCount != 0 {
		t.Errorf("re-activation should reset failure_count, got %d", stored.FailureCount)
	}
}

func TestService_ScopedToOwner(t *testing.T) {
	id := "0b9c3a52-7f7e-4b1c-9b0a-6f2d5c1e8a11"
	subs := newMemWebhooks(subscription(id, "owner", "https://a.example.com", EventAll))
	svc := newTestService(subs, newMemDeliveries(), &mockURLValidator{})
	ctx := context.Background()

	if _, err := svc.Update(ctx, "intruder", id, UpdateInput{}); apiErrorCode(t, err) != model.ErrCodeWebhookNotFound {
		t.Errorf("Update by another user should be not found, got %v", err)
	}
	if err := svc.Delete(ctx, "intruder", id); apiErrorCode(t, err) != model.ErrCodeWebhookNotFound {
		t.Errorf("Delete by another user should be not found, got %v", err)
	}
	if _, err := svc.ListDeliveries(ctx, "intruder", id, 10); apiErrorCode(t, err) != model.ErrCodeWebhookNotFound {
		t.Errorf("ListDeliveries by another user should be not found, got %v", err)
	}
	if err := svc.Delete(ctx, "owner", "not-a-uuid"); apiErrorCode(t, err) != model.ErrCodeWebhookNotFound {
		t.Errorf("malformed id should be not found, got %v", err)
	}
	if _, ok := subs.subs[id]; !ok {
		t.Error("subscription must survive foreign delete")
	}

	if err := svc.Delete(ctx, "owner", id); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, ok := subs.subs[id]; ok {
		t.Error("subscription should be deleted")
	}
}

func TestService_ListAndDeliveries(t *testing.T) {
	id := "0b9c3a52-7f7e-4b1c-9b0a-6f2d5c1e8a11"
	subs := newMemWebhooks(subscription(id, "user-1", "https://a.example.com", EventAll))
	deliveries := newMemDeliveries()
	for _, did := range []string{"d-1", "d-2", "d-3"} {
		if err := deliveries.Create(context.Background(), &model.WebhookDelivery{ID: did, SubscriptionID: id}); err != nil {
			t.Fatal(err)
		}
	}
	svc := newTestService(subs, deliveries, nil)

	list, err := svc.List(context.Background(), "user-2")
	if err != nil {
		t.Fatal(err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("expected empty non-nil list, got %v", list)
	}

	got, err := svc.ListDeliveries(context.Background(), "user-1", id, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "d-3" {
		t.Errorf("expected newest 2 deliveries, got %d (first %v)", len(got), got)
	}
}
