package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/toolforge/backend/internal/dispatch"
	"github.com/PortNumber53/toolforge/backend/internal/gate"
	"github.com/PortNumber53/toolforge/backend/internal/ledger"
	"github.com/PortNumber53/toolforge/backend/internal/logging"
	"github.com/PortNumber53/toolforge/backend/internal/models"
	"github.com/PortNumber53/toolforge/backend/internal/store"
	"github.com/PortNumber53/toolforge/backend/internal/webhook"
)

const testSecret = "whsec_test"

type stubAdmitter struct {
	events  []models.BillingEvent
	outcome dispatch.Outcome
	err     error
}

func (s *stubAdmitter) Admit(_ context.Context, ev models.BillingEvent) (dispatch.Outcome, error) {
	s.events = append(s.events, ev)
	return s.outcome, s.err
}

func postWebhook(t *testing.T, h *WebhookHandler, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/billing", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(webhook.SignatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

const paymentSuccessBody = `{"meta":{"event_name":"subscription_payment_success","custom_data":{"user_id":"u1"}},` +
	`"data":{"id":"inv-1","attributes":{"subscription_id":"sub-1","status":"paid","updated_at":"2026-04-01T10:00:00Z"}}}`

func TestWebhookRejectsBadSignature(t *testing.T) {
	admitter := &stubAdmitter{}
	h := NewWebhookHandler(admitter, testSecret, logging.Discard())

	rr := postWebhook(t, h, paymentSuccessBody, webhook.Sign([]byte(paymentSuccessBody), "wrong"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}
	rr = postWebhook(t, h, paymentSuccessBody, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature got %d", rr.Code)
	}
	if len(admitter.events) != 0 {
		t.Fatalf("unverified payload must not be dispatched")
	}
}

func TestWebhookAcceptsSignedEvent(t *testing.T) {
	admitter := &stubAdmitter{outcome: dispatch.Accepted}
	h := NewWebhookHandler(admitter, testSecret, logging.Discard())

	rr := postWebhook(t, h, paymentSuccessBody, webhook.Sign([]byte(paymentSuccessBody), testSecret))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["received"] != true {
		t.Fatalf("expected received=true got %v", resp)
	}
	if len(admitter.events) != 1 || admitter.events[0].SubscriptionID != "sub-1" {
		t.Fatalf("unexpected dispatched events: %+v", admitter.events)
	}
}

func TestWebhookAcknowledgesUnprocessablePayloads(t *testing.T) {
	admitter := &stubAdmitter{}
	h := NewWebhookHandler(admitter, testSecret, logging.Discard())

	for _, body := range []string{
		`{"meta":{"event_name":"order_refunded"},"data":{"id":"1"}}`,
		`{not json`,
	} {
		rr := postWebhook(t, h, body, webhook.Sign([]byte(body), testSecret))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 for %q got %d", body, rr.Code)
		}
	}
	if len(admitter.events) != 0 {
		t.Fatalf("unprocessable payloads must not be dispatched")
	}
}

func TestWebhookStorageFailureIsRetryable(t *testing.T) {
	admitter := &stubAdmitter{err: errors.New("connection refused")}
	h := NewWebhookHandler(admitter, testSecret, logging.Discard())

	rr := postWebhook(t, h, paymentSuccessBody, webhook.Sign([]byte(paymentSuccessBody), testSecret))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rr.Code)
	}
}

type stubLedger struct {
	accounts map[string]models.AccountBalance
	opened   int
}

func (s *stubLedger) OpenAccount(_ context.Context, userID string, plan models.PlanID, balance int64) (models.AccountBalance, error) {
	if acct, ok := s.accounts[userID]; ok {
		return acct, nil
	}
	s.opened++
	acct := models.AccountBalance{UserID: userID, Plan: plan, Balance: balance}
	s.accounts[userID] = acct
	return acct, nil
}

func (s *stubLedger) Disable(_ context.Context, userID string) error {
	if _, ok := s.accounts[userID]; !ok {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (s *stubLedger) CurrentBalance(_ context.Context, userID string) (models.AccountBalance, error) {
	acct, ok := s.accounts[userID]
	if !ok {
		return models.AccountBalance{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

type stubUsage struct {
	lastLimit int
	entries   []models.UsageEntry
}

func (s *stubUsage) History(_ context.Context, _ string, limit int) ([]models.UsageEntry, error) {
	s.lastLimit = limit
	return s.entries, nil
}

type stubSubs struct {
	sub *models.Subscription
}

func (s *stubSubs) LatestSubscription(context.Context, string) (*models.Subscription, error) {
	return s.sub, nil
}

func billingRouter(l *stubLedger, u *stubUsage, subs *stubSubs) chi.Router {
	router := chi.NewRouter()
	NewBillingHandler(l, u, subs, 50, logging.Discard()).RegisterRoutes(router)
	return router
}

func serve(router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestOpenAccountIsIdempotent(t *testing.T) {
	l := &stubLedger{accounts: map[string]models.AccountBalance{}}
	router := billingRouter(l, &stubUsage{}, &stubSubs{})

	for i := 0; i < 2; i++ {
		rr := serve(router, http.MethodPost, "/api/accounts", `{"user_id":"u1"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 got %d", rr.Code)
		}
	}
	if l.opened != 1 {
		t.Fatalf("expected one account opened got %d", l.opened)
	}
	if l.accounts["u1"].Balance != 50 || l.accounts["u1"].Plan != models.PlanFree {
		t.Fatalf("unexpected account: %+v", l.accounts["u1"])
	}

	if rr := serve(router, http.MethodPost, "/api/accounts", `{"user_id":"  "}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestGetCredits(t *testing.T) {
	l := &stubLedger{accounts: map[string]models.AccountBalance{
		"u1": {UserID: "u1", Balance: 42, TotalUsed: 8, Plan: models.PlanPro},
	}}
	router := billingRouter(l, &stubUsage{}, &stubSubs{})

	rr := serve(router, http.MethodGet, "/api/credits/u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var acct models.AccountBalance
	if err := json.Unmarshal(rr.Body.Bytes(), &acct); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if acct.Balance != 42 || acct.TotalUsed != 8 {
		t.Fatalf("unexpected account: %+v", acct)
	}

	if rr := serve(router, http.MethodGet, "/api/credits/ghost", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
	if rr := serve(router, http.MethodPost, "/api/accounts/ghost/disable", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on disable got %d", rr.Code)
	}
}

func TestGetUsageClampsLimit(t *testing.T) {
	u := &stubUsage{entries: []models.UsageEntry{{ToolName: "blog_post", CreditsCharged: 5}}}
	router := billingRouter(&stubLedger{accounts: map[string]models.AccountBalance{}}, u, &stubSubs{})

	rr := serve(router, http.MethodGet, "/api/usage/u1?limit=5000", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if u.lastLimit != 50 {
		t.Fatalf("expected default limit 50 got %d", u.lastLimit)
	}
}

func TestGetSubscription(t *testing.T) {
	subs := &stubSubs{}
	router := billingRouter(&stubLedger{accounts: map[string]models.AccountBalance{}}, &stubUsage{}, subs)

	if rr := serve(router, http.MethodGet, "/api/subscriptions/u1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}

	subs.sub = &models.Subscription{SubscriptionID: "sub-1", UserID: "u1", Status: models.SubscriptionActive}
	if rr := serve(router, http.MethodGet, "/api/subscriptions/u1", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

type stubGate struct {
	result gate.Result
	err    error
	last   gate.ChargeRequest
}

func (s *stubGate) Charge(ctx context.Context, req gate.ChargeRequest, work gate.Work) (gate.Result, error) {
	s.last = req
	if s.err != nil || !s.result.Allowed {
		return s.result, s.err
	}
	out, err := work(ctx)
	if err != nil {
		return gate.Result{}, err
	}
	res := s.result
	res.Output = out
	return res, nil
}

type stubGenerator struct{ out string }

func (s stubGenerator) Generate(context.Context, string, int) (string, error) {
	return s.out, nil
}

type stubCatalog map[string]int64

func (c stubCatalog) HasTool(tool string) bool {
	_, ok := c[tool]
	return ok
}

func (c stubCatalog) ToolCost(tool string) int64 {
	if v, ok := c[tool]; ok {
		return v
	}
	return 1
}

func (c stubCatalog) ToolNames() []string {
	return []string{"blog_post"}
}

func toolRouter(g *stubGate) chi.Router {
	router := chi.NewRouter()
	NewToolHandler(g, stubGenerator{out: "a post"}, stubCatalog{"blog_post": 5}, logging.Discard()).RegisterRoutes(router)
	return router
}

func TestRunToolChargesConfiguredCost(t *testing.T) {
	g := &stubGate{result: gate.Result{Allowed: true, Entry: models.UsageEntry{CreditsCharged: 5}}}
	rr := serve(toolRouter(g), http.MethodPost, "/api/tools/blog_post", `{"user_id":"u1","input":"write"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	if g.last.Cost != 5 || g.last.ToolName != "blog_post" || g.last.UserID != "u1" {
		t.Fatalf("unexpected charge request: %+v", g.last)
	}
	if !strings.Contains(rr.Body.String(), "a post") {
		t.Fatalf("expected output in body: %s", rr.Body.String())
	}
}

func TestRunToolDenied(t *testing.T) {
	g := &stubGate{result: gate.Result{Reason: gate.ReasonInsufficientCredits}}
	rr := serve(toolRouter(g), http.MethodPost, "/api/tools/blog_post", `{"user_id":"u1","input":"write"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), gate.ReasonInsufficientCredits) {
		t.Fatalf("expected denial reason in body: %s", rr.Body.String())
	}
}

func TestRunToolTimeout(t *testing.T) {
	g := &stubGate{err: gate.ErrWorkTimeout}
	rr := serve(toolRouter(g), http.MethodPost, "/api/tools/blog_post", `{"user_id":"u1","input":"write"}`)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 got %d", rr.Code)
	}
}

func TestRunToolTransientLedgerFailure(t *testing.T) {
	g := &stubGate{err: fmt.Errorf("reserve credits: %w", fmt.Errorf("%w: reserve: conflict", ledger.ErrTransient))}
	rr := serve(toolRouter(g), http.MethodPost, "/api/tools/blog_post", `{"user_id":"u1","input":"write"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRunToolUnknownToolIsNotCharged(t *testing.T) {
	g := &stubGate{result: gate.Result{Allowed: true}}
	rr := serve(toolRouter(g), http.MethodPost, "/api/tools/summarize", `{"user_id":"u1","input":"write"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
	if g.last.ToolName != "" {
		t.Fatalf("gate must not be called for unknown tools: %+v", g.last)
	}
}

func TestListTools(t *testing.T) {
	rr := serve(toolRouter(&stubGate{}), http.MethodGet, "/api/tools", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"cost":5`) {
		t.Fatalf("unexpected response %d: %s", rr.Code, rr.Body.String())
	}
}

type stubJobs struct {
	cancelErr error
}

func (s *stubJobs) GetJob(_ context.Context, id int64) (*models.Job, error) {
	if id != 1 {
		return nil, store.ErrJobNotFound
	}
	return &models.Job{ID: 1, JobType: models.JobReservationSweep}, nil
}

func (s *stubJobs) CancelJob(context.Context, int64) error { return s.cancelErr }

func (s *stubJobs) GetQueueStats(context.Context) (*models.JobStats, error) {
	return &models.JobStats{Pending: 2, Total: 2}, nil
}

func (s *stubJobs) ListPendingJobs(context.Context, int) ([]*models.Job, error) {
	return []*models.Job{}, nil
}

func (s *stubJobs) ListProcessingJobs(context.Context) ([]*models.Job, error) {
	return []*models.Job{}, nil
}

func TestJobRoutes(t *testing.T) {
	jobs := &stubJobs{}
	router := chi.NewRouter()
	NewJobHandler(jobs, jobs, logging.Discard()).RegisterRoutes(router)

	cases := []struct {
		method, target string
		want           int
	}{
		{http.MethodGet, "/api/jobs/stats", http.StatusOK},
		{http.MethodGet, "/api/jobs/1", http.StatusOK},
		{http.MethodGet, "/api/jobs/9", http.StatusNotFound},
		{http.MethodGet, "/api/jobs/abc", http.StatusBadRequest},
		{http.MethodGet, "/api/jobs/pending", http.StatusOK},
		{http.MethodPost, "/api/jobs/1/cancel", http.StatusOK},
	}
	for _, tc := range cases {
		if rr := serve(router, tc.method, tc.target, ""); rr.Code != tc.want {
			t.Fatalf("%s %s: expected %d got %d", tc.method, tc.target, tc.want, rr.Code)
		}
	}

	jobs.cancelErr = store.ErrJobNotCancellable
	if rr := serve(router, http.MethodPost, "/api/jobs/1/cancel", ""); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rr.Code)
	}
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestReady(t *testing.T) {
	rr := httptest.NewRecorder()
	Ready(stubPinger{})(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	Ready(stubPinger{err: errors.New("down")})(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rr.Code)
	}
}
