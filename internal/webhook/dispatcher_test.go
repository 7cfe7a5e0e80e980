package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/metrics"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// receivedRequest は受信側が受け取ったリクエストの記録。
type receivedRequest struct {
	body    []byte
	headers http.Header
}

// receiver はステータスコードを切り替えられるテスト用の配信先。
type receiver struct {
	mu       sync.Mutex
	status   int
	requests []receivedRequest
}

func newReceiver(status int) (*receiver, *httptest.Server) {
	rc := &receiver{status: status}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.requests = append(rc.requests, receivedRequest{body: body, headers: r.Header.Clone()})
		status := rc.status
		rc.mu.Unlock()
		w.WriteHeader(status)
	}))
	return rc, ts
}

func (rc *receiver) setStatus(status int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.status = status
}

func (rc *receiver) received() []receivedRequest {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]receivedRequest(nil), rc.requests...)
}

// deliveryMetrics は配信結果の記録を数える。
type deliveryMetrics struct {
	metrics.Nop
	mu       sync.Mutex
	statuses []int
	failures int
}

func (m *deliveryMetrics) RecordWebhookDelivery(statusCode int, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, statusCode)
	if !success {
		m.failures++
	}
}

type dispatcherEnv struct {
	subs       *memWebhooks
	deliveries *memDeliveries
	clock      *testClock
	metrics    *deliveryMetrics
	dispatcher *Dispatcher
}

func newDispatcherEnv(t *testing.T, client *http.Client, subs ...*model.WebhookSubscription) *dispatcherEnv {
	t.Helper()
	env := &dispatcherEnv{
		subs:       newMemWebhooks(subs...),
		deliveries: newMemDeliveries(),
		clock:      &testClock{now: time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)},
		metrics:    &deliveryMetrics{},
	}
	env.dispatcher = NewDispatcher(env.subs, env.deliveries, client, DefaultConfig(), env.metrics, testLogger())
	env.dispatcher.now = env.clock.Now
	return env
}

func subscription(id, userID, url string, events ...string) *model.WebhookSubscription {
	return &model.WebhookSubscription{
		ID:       id,
		UserID:   userID,
		URL:      url,
		Events:   events,
		Secret:   "whsec_test_" + id,
		IsActive: true,
	}
}

func TestDispatcher_Publish_SignedDelivery(t *testing.T) {
	rc, ts := newReceiver(http.StatusOK)
	defer ts.Close()

	sub := subscription("sub-1", "user-1", ts.URL+"/hooks", EventScanCreated)
	env := newDispatcherEnv(t, ts.Client(), sub)

	data := map[string]any{"qr_code_id": "qr-1"}
	if err := env.dispatcher.Publish(context.Background(), "user-1", EventScanCreated, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reqs := rc.received()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	req := reqs[0]

	if got := req.headers.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := req.headers.Get(HeaderEvent); got != EventScanCreated {
		t.Errorf("%s = %q", HeaderEvent, got)
	}
	if req.headers.Get(HeaderTimestamp) == "" {
		t.Errorf("%s should be set", HeaderTimestamp)
	}
	if !Verify(sub.Secret, req.body, req.headers.Get(HeaderSignature)) {
		t.Error("signature should verify against the received body")
	}

	var env2 Envelope
	if err := json.Unmarshal(req.body, &env2); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if env2.Event != EventScanCreated || env2.ID == "" {
		t.Errorf("unexpected envelope: %+v", env2)
	}

	rows := env.deliveries.all()
	if len(rows) != 1 {
		t.Fatalf("expected 1 delivery row, got %d", len(rows))
	}
	d := rows[0]
	if d.Status != model.DeliveryDelivered || d.AttemptCount != 1 || d.DeliveredAt == nil {
		t.Errorf("unexpected delivery state: %+v", d)
	}
	if string(d.Payload) != string(req.body) {
		t.Error("stored payload should equal the bytes that were sent")
	}
	if got := req.headers.Get(HeaderDelivery); got != d.ID {
		t.Errorf("%s = %q, want %q", HeaderDelivery, got, d.ID)
	}
}

func TestDispatcher_Publish_OnlyMatchingSubscriptions(t *testing.T) {
	rc, ts := newReceiver(http.StatusOK)
	defer ts.Close()

	env := newDispatcherEnv(t, ts.Client(),
		subscription("sub-scan", "user-1", ts.URL+"/scan", EventScanCreated),
		subscription("sub-all", "user-1", ts.URL+"/all", EventAll),
		subscription("sub-alerts", "user-1", ts.URL+"/alerts", EventAllAlerts),
		subscription("sub-other", "user-2", ts.URL+"/other", EventAll),
	)

	if err := env.dispatcher.Publish(context.Background(), "user-1", "alert.spike", map[string]any{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reqs := rc.received()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 deliveries (*, alert.*), got %d", len(reqs))
	}
	// 同じイベントは同じバイト列を全購読に送る
	if string(reqs[0].body) != string(reqs[1].body) {
		t.Error("payload should be serialized once per event")
	}
}

func TestDispatcher_Publish_InactiveSubscriptionSkipped(t *testing.T) {
	rc, ts := newReceiver(http.StatusOK)
	defer ts.Close()

	sub := subscription("sub-1", "user-1", ts.URL, EventAll)
	sub.IsActive = false
	env := newDispatcherEnv(t, ts.Client(), sub)

	if err := env.dispatcher.Publish(context.Background(), "user-1", EventScanCreated, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rc.received()) != 0 {
		t.Error("inactive subscription should not receive deliveries")
	}
	if len(env.deliveries.all()) != 0 {
		t.Error("no delivery rows should be created")
	}
}

func TestDispatcher_Publish_ListError(t *testing.T) {
	env := newDispatcherEnv(t, http.DefaultClient)
	env.subs.err = errors.New("db down")

	if err := env.dispatcher.Publish(context.Background(), "user-1", EventScanCreated, nil); err == nil {
		t.Fatal("expected error when subscriptions cannot be listed")
	}
}

func TestDispatcher_Deliver_FailureSchedulesRetry(t *testing.T) {
	_, ts := newReceiver(http.StatusInternalServerError)
	defer ts.Close()

	env := newDispatcherEnv(t, ts.Client(), subscription("sub-1", "user-1", ts.URL, EventAll))

	if err := env.dispatcher.Publish(context.Background(), "user-1", EventScanCreated, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d := env.deliveries.all()[0]
	if d.Status != model.DeliveryFailed {
		t.Fatalf("status = %s, want failed", d.Status)
	}
	if d.NextRetryAt == nil {
		t.Fatal("next_retry_at should be scheduled")
	}
	if want := env.clock.Now().Add(30 * time.Second); !d.NextRetryAt.Equal(want) {
		t.Errorf("next_retry_at = %v, want %v", d.NextRetryAt, want)
	}
	if d.ResponseStatus == nil || *d.ResponseStatus != 500 {
		t.Errorf("response_status = %v, want 500", d.ResponseStatus)
	}
	if got := env.subs.get("sub-1").FailureCount; got != 0 {
		t.Errorf("failure_count should only grow on terminal failure, got %d", got)
	}
	if env.metrics.failures != 1 {
		t.Errorf("expected 1 failed delivery metric, got %d", env.metrics.failures)
	}
}

func TestDispatcher_Deliver_TerminalAfterMaxAttempts(t *testing.T) {
	rc, ts := newReceiver(http.StatusBadGateway)
	defer ts.Close()

	env := newDispatcherEnv(t, ts.Client(), subscription("sub-1", "user-1", ts.URL, EventAll))
	worker := NewRetryWorker(env.deliveries, env.subs, env.dispatcher, testLogger(), 10, 2)
	worker.now = env.clock.Now

	ctx := context.Background()
	if err := env.dispatcher.Publish(ctx, "user-1", EventScanCreated, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 2回目以降は再送ワーカーが拾う
	for i := 0; i < 4; i++ {
		env.clock.Advance(time.Hour)
		n, err := worker.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if n != 1 {
			t.Fatalf("round %d: expected 1 claimed delivery, got %d", i, n)
		}
	}

	d := env.deliveries.all()[0]
	if d.AttemptCount != 5 {
		t.Errorf("attempt_count = %d, want 5", d.AttemptCount)
	}
	if !d.IsTerminal() {
		t.Errorf("delivery should be terminal: %+v", d)
	}
	if got := env.subs.get("sub-1").FailureCount; got != 1 {
		t.Errorf("failure_count = %d, want 1", got)
	}

	env.clock.Advance(time.Hour)
	n, err := worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("terminal delivery should not be claimed again, got %d", n)
	}
	if got := len(rc.received()); got != 5 {
		t.Errorf("expected 5 attempts on the wire, got %d", got)
	}

	// すべての試行で同じバイト列を送る
	reqs := rc.received()
	for i := 1; i < len(reqs); i++ {
		if string(reqs[i].body) != string(reqs[0].body) {
			t.Fatalf("attempt %d sent a different payload", i+1)
		}
	}
}

func TestDispatcher_Deliver_DeactivatesAtThreshold(t *testing.T) {
	_, ts := newReceiver(http.StatusServiceUnavailable)
	defer ts.Close()

	sub := subscription("sub-1", "user-1", ts.URL, EventAll)
	sub.FailureCount = 9
	env := newDispatcherEnv(t, ts.Client(), sub)

	d := &model.WebhookDelivery{
		ID:             "d-1",
		SubscriptionID: sub.ID,
		EventType:      EventScanCreated,
		Payload:        []byte(`{}`),
		Status:         model.DeliveryPending,
		AttemptCount:   4,
	}
	if err := env.deliveries.Create(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	if err := env.dispatcher.Deliver(context.Background(), sub, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := env.subs.get("sub-1")
	if got.FailureCount != 10 {
		t.Errorf("failure_count = %d, want 10", got.FailureCount)
	}
	if got.IsActive {
		t.Error("subscription should be deactivated at the threshold")
	}
}

func TestDispatcher_Deliver_SuccessResetsFailures(t *testing.T) {
	_, ts := newReceiver(http.StatusNoContent)
	defer ts.Close()

	sub := subscription("sub-1", "user-1", ts.URL, EventAll)
	sub.FailureCount = 7
	env := newDispatcherEnv(t, ts.Client(), sub)

	if err := env.dispatcher.Publish(context.Background(), "user-1", EventScanCreated, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := env.subs.get("sub-1").FailureCount; got != 0 {
		t.Errorf("failure_count = %d, want 0 after success", got)
	}
}

func TestDispatcher_Deliver_RedirectIsFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/", http.StatusFound)
	}))
	defer ts.Close()

	client := ts.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	env := newDispatcherEnv(t, client, subscription("sub-1", "user-1", ts.URL, EventAll))

	if err := env.dispatcher.Publish(context.Background(), "user-1", EventScanCreated, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := env.deliveries.all()[0]
	if d.Status != model.DeliveryFailed || d.NextRetryAt == nil {
		t.Errorf("3xx should be treated as a retryable failure: %+v", d)
	}
}

func TestDispatcher_Deliver_ConnectionError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	env := newDispatcherEnv(t, http.DefaultClient, subscription("sub-1", "user-1", url, EventAll))
	if err := env.dispatcher.Publish(context.Background(), "user-1", EventScanCreated, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d := env.deliveries.all()[0]
	if d.Status != model.DeliveryFailed || d.LastError == nil {
		t.Errorf("connection error should be recorded: %+v", d)
	}
	if d.ResponseStatus != nil {
		t.Errorf("response_status should be nil on connection error, got %d", *d.ResponseStatus)
	}
	if len(env.metrics.statuses) != 1 || env.metrics.statuses[0] != 0 {
		t.Errorf("unexpected status metrics: %v", env.metrics.statuses)
	}
}

func TestDispatcher_Publish_CreateErrorSkipsDelivery(t *testing.T) {
	rc, ts := newReceiver(http.StatusOK)
	defer ts.Close()

	env := newDispatcherEnv(t, ts.Client(), subscription("sub-1", "user-1", ts.URL, EventAll))
	env.deliveries.createErr = errors.New("insert failed")

	if err := env.dispatcher.Publish(context.Background(), "user-1", EventScanCreated, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rc.received()) != 0 {
		t.Error("delivery without a stored row must not be sent")
	}
}
