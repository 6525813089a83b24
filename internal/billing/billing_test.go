package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/metrics"
	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stripe/stripe-go/v79"
)

type fakeCheckout struct {
	params *stripe.CheckoutSessionParams
	err    error
}

func (f *fakeCheckout) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Send(ctx context.Context, to, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, to+": "+body)
	return nil
}

const testPhone = "5511999999999"

func newTestService(t *testing.T) (*Service, store.Store, *recordingNotifier) {
	t.Helper()
	st := store.NewInMemoryStore()
	if _, _, err := st.FindOrCreateUser(context.Background(), &models.User{Phone: testPhone, SubscriptionStatus: models.SubscriptionTrial}); err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}
	n := &recordingNotifier{}
	s := NewService(st, n, WithPlans(DefaultPlans("price_m", "price_a")), WithWebhookSecret("whsec_test"))
	s.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, st, n
}

func TestCreateCheckout(t *testing.T) {
	s, _, _ := newTestService(t)
	if _, err := s.CreateCheckout(context.Background(), testPhone, s.Plans()[0]); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	fc := &fakeCheckout{}
	s.checkout = fc
	url, err := s.CreateCheckout(context.Background(), testPhone, s.Plans()[1])
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if url != "https://checkout.stripe.com/c/pay/cs_test_1" {
		t.Errorf("url = %s", url)
	}
	if *fc.params.LineItems[0].Price != "price_a" || *fc.params.ClientReferenceID != testPhone {
		t.Errorf("unexpected params %+v", fc.params)
	}
	if fc.params.SubscriptionData.Metadata[MetadataPhone] != testPhone {
		t.Error("subscription metadata should carry the phone")
	}

	if _, err := s.CreateCheckout(context.Background(), testPhone, Plan{ID: "x"}); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("expected ErrUnknownPlan, got %v", err)
	}
}

func event(t *testing.T, typ string, object any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatal(err)
	}
	return stripe.Event{ID: "evt_1", Type: stripe.EventType(typ), Data: &stripe.EventData{Raw: raw}}
}

func TestHandleEventLifecycle(t *testing.T) {
	s, st, n := newTestService(t)
	ctx := context.Background()

	err := s.HandleEvent(ctx, event(t, "checkout.session.completed", map[string]any{
		"client_reference_id": testPhone,
		"metadata":            map[string]string{MetadataPlan: "monthly"},
	}))
	if err != nil {
		t.Fatalf("checkout completed: %v", err)
	}
	u, _ := st.GetUser(ctx, testPhone)
	if u.SubscriptionStatus != models.SubscriptionActive || u.SubscriptionPlan != "monthly" || u.SubscriptionEndsAt == nil {
		t.Fatalf("user not activated: %+v", u)
	}
	if want := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC); !u.SubscriptionEndsAt.Equal(want) {
		t.Errorf("ends at %v, want %v", u.SubscriptionEndsAt, want)
	}

	if err := s.HandleEvent(ctx, event(t, "invoice.payment_failed", map[string]any{
		"subscription_details": map[string]any{"metadata": map[string]string{MetadataPhone: testPhone}},
	})); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	if err := s.HandleEvent(ctx, event(t, "customer.subscription.deleted", map[string]any{
		"metadata": map[string]string{MetadataPhone: testPhone},
	})); err != nil {
		t.Fatalf("subscription deleted: %v", err)
	}
	u, _ = st.GetUser(ctx, testPhone)
	if u.SubscriptionStatus != models.SubscriptionInactive {
		t.Errorf("status = %s, want inactive", u.SubscriptionStatus)
	}
	if len(n.msgs) != 3 {
		t.Errorf("expected 3 notifications, got %v", n.msgs)
	}

	if err := s.HandleEvent(ctx, event(t, "customer.created", map[string]any{})); err != nil {
		t.Errorf("unhandled events should be ignored, got %v", err)
	}
}

func TestHandleEventCountsResults(t *testing.T) {
	s, _, _ := newTestService(t)
	reg := prometheus.NewRegistry()
	s.opts.Metrics = metrics.MustNew(reg)
	ctx := context.Background()

	s.HandleEvent(ctx, event(t, "customer.subscription.deleted", map[string]any{
		"metadata": map[string]string{MetadataPhone: testPhone},
	}))
	s.HandleEvent(ctx, event(t, "checkout.session.completed", map[string]any{}))
	s.HandleEvent(ctx, event(t, "customer.created", map[string]any{}))

	want := `
# HELP routinepipe_billing_events_total Stripe webhook events handled, by type and result.
# TYPE routinepipe_billing_events_total counter
routinepipe_billing_events_total{result="failed",type="checkout.session.completed"} 1
routinepipe_billing_events_total{result="ok",type="customer.subscription.deleted"} 1
routinepipe_billing_events_total{result="skipped",type="customer.created"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "routinepipe_billing_events_total"); err != nil {
		t.Error(err)
	}
}

func sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestWebhookHandler(t *testing.T) {
	s, st, _ := newTestService(t)
	payload := []byte(fmt.Sprintf(`{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":%q,"metadata":{"plan":"annual"}}}}`, testPhone))

	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", sign(payload, "whsec_test", time.Now()))
	rec := httptest.NewRecorder()
	s.WebhookHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	u, _ := st.GetUser(context.Background(), testPhone)
	if u.SubscriptionPlan != "annual" {
		t.Errorf("plan = %q, want annual", u.SubscriptionPlan)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", sign(payload, "wrong", time.Now()))
	rec = httptest.NewRecorder()
	s.WebhookHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad signature status = %d", rec.Code)
	}
}

func TestMatchPlan(t *testing.T) {
	plans := DefaultPlans("price_m", "price_a")
	tests := []struct {
		in   string
		want string
	}{
		{"plan:monthly", "monthly"},
		{"2", "annual"},
		{"Quero o plano mensal!", "monthly"},
		{"quero pagar por ano", "annual"},
		{"mensal ou anual?", ""},
		{"oi", ""},
	}
	for _, tt := range tests {
		got := MatchPlan(plans, tt.in)
		if (got == nil && tt.want != "") || (got != nil && got.ID != tt.want) {
			t.Errorf("MatchPlan(%q) = %+v, want %q", tt.in, got, tt.want)
		}
	}
	if l := plans[0].PriceLabel(); l != "R$ 19,90/mês" {
		t.Errorf("PriceLabel = %q", l)
	}
}
