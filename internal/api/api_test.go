package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wakala/checkoutd/internal/api"
	"github.com/wakala/checkoutd/internal/channel"
	"github.com/wakala/checkoutd/internal/checkout"
	"github.com/wakala/checkoutd/internal/domain"
	"github.com/wakala/checkoutd/internal/gateway"
	"github.com/wakala/checkoutd/internal/notify"
	"github.com/wakala/checkoutd/internal/reconciliation"
	"github.com/wakala/checkoutd/internal/repository"
)

const gatewayOrigin = "https://checkout.paystack.com"

var pages = reconciliation.Pages{
	SuccessURL:   "https://shop.example.com/thanks",
	DeclinedURL:  "https://shop.example.com/declined",
	PendingURL:   "https://shop.example.com/pending",
	CancelledURL: "https://shop.example.com/",
}

type fakeInitializer struct {
	calls    int32
	InitFunc func(n int) (*gateway.InitializeResult, error)
}

func (f *fakeInitializer) Initialize(_ context.Context, _ gateway.InitializeRequest) (*gateway.InitializeResult, error) {
	n := int(atomic.AddInt32(&f.calls, 1))
	return f.InitFunc(n)
}

func sequentialRefs() *fakeInitializer {
	return &fakeInitializer{InitFunc: func(n int) (*gateway.InitializeResult, error) {
		ref := "ref-" + string(rune('0'+n))
		return &gateway.InitializeResult{Reference: ref, AuthorizationURL: "https://checkout.paystack.com/" + ref}, nil
	}}
}

type fakeVerifier struct {
	VerifyFunc func(reference string) (*gateway.VerifyResult, error)
}

func (f *fakeVerifier) Verify(_ context.Context, reference string) (*gateway.VerifyResult, error) {
	return f.VerifyFunc(reference)
}

func pendingVerifier() *fakeVerifier {
	return &fakeVerifier{VerifyFunc: func(ref string) (*gateway.VerifyResult, error) {
		return &gateway.VerifyResult{Success: true, Status: "pending", Reference: ref}, nil
	}}
}

type testServer struct {
	srv      *httptest.Server
	bus      *channel.Bus
	hub      *notify.Hub
	registry *reconciliation.Registry
	sessions *repository.SessionRepo
}

func newTestServer(t *testing.T, init *fakeInitializer, v *fakeVerifier) *testServer {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	require.NoError(t, err)

	store := repository.NewPendingStore(db)
	sessions := repository.NewSessionRepo(db)
	events := repository.NewEventRepo(db)
	bus := channel.NewBus()
	hub := notify.NewHub(bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	registry := reconciliation.NewRegistry(reconciliation.RegistryConfig{
		Initiator: checkout.NewInitiator(init, sessions, store, 3*time.Minute, "landing", zerolog.Nop()),
		Store:     store,
		Ledger:    sessions,
		Events:    events,
		Verifier:  v,
		Bus:       bus,
		Origins:   channel.NewOriginAllowList(gatewayOrigin),
		Poll:      channel.PollConfig{Interval: time.Hour, MaxAttempts: 60},
		Handler:   notify.Multi{hub},
		Pages:     pages,
		Logger:    zerolog.Nop(),
	})

	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Registry:     registry,
		Sessions:     sessions,
		Events:       events,
		Bus:          bus,
		Hub:          hub,
		Pages:        pages,
		DB:           db,
		CallbackWait: time.Second,
		Logger:       zerolog.Nop(),
	}))

	t.Cleanup(func() {
		srv.Close()
		registry.Shutdown()
		cancel()
		db.Close()
	})
	return &testServer{srv: srv, bus: bus, hub: hub, registry: registry, sessions: sessions}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func (s *testServer) begin(t *testing.T, buyer string) string {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/api/v1/checkout", map[string]any{
		"buyer_key":  buyer,
		"email":      "ada@example.com",
		"first_name": "Ada",
		"last_name":  "Lovelace",
		"amount":     "136",
		"currency":   "usd",
		"offer_id":   "offer-1",
		"offer_type": "bundle",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, body["checkout_url"])
	require.Eventually(t, func() bool { return s.bus.Subscribers(buyer) == 1 }, 2*time.Second, 5*time.Millisecond)
	return body["reference"].(string)
}

func TestStartCheckout_ThenMessageConfirms(t *testing.T) {
	s := newTestServer(t, sequentialRefs(), pendingVerifier())
	ref := s.begin(t, "buyer-1")
	require.Equal(t, "ref-1", ref)

	resp, body := s.do(t, http.MethodPost, "/api/v1/checkout/messages", map[string]any{
		"buyer_key": "buyer-1",
		"origin":    gatewayOrigin,
		"data":      map[string]any{"type": "payment_success", "reference": ref},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.EqualValues(t, 1, body["delivered"])

	require.Eventually(t, func() bool {
		_, body := s.do(t, http.MethodGet, "/api/v1/checkout/buyer-1/status", nil)
		session, _ := body["session"].(map[string]any)
		return session != nil && session["status"] == "succeeded"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.registry.Active() == 0 }, time.Second, 5*time.Millisecond)

	resp, body = s.do(t, http.MethodGet, "/api/v1/sessions/"+ref+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	require.Equal(t, "applied", events[0].(map[string]any)["disposition"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/sessions?status=succeeded", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, body["total"])
}

func TestStartCheckout_Validation(t *testing.T) {
	s := newTestServer(t, sequentialRefs(), pendingVerifier())

	resp, _ := s.do(t, http.MethodPost, "/api/v1/checkout", map[string]any{
		"email": "ada@example.com", "amount": "136", "currency": "EUR",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/checkout", map[string]any{
		"email": "ada@example.com", "amount": "0", "currency": "USD",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/api/v1/checkout", "not an object")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "invalid JSON body")
}

func TestStartCheckout_GatewayFailure(t *testing.T) {
	init := &fakeInitializer{InitFunc: func(int) (*gateway.InitializeResult, error) {
		return nil, &domain.InitiationError{Message: "gateway unreachable", Err: errors.New("dial tcp: refused")}
	}}
	s := newTestServer(t, init, pendingVerifier())

	resp, body := s.do(t, http.MethodPost, "/api/v1/checkout", map[string]any{
		"buyer_key": "buyer-1", "email": "ada@example.com", "amount": "136", "currency": "NGN",
	})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "gateway unreachable", body["error"])
	require.Zero(t, s.registry.Active())
}

func TestCallback_RedirectsToOutcomePage(t *testing.T) {
	s := newTestServer(t, sequentialRefs(), pendingVerifier())
	ref := s.begin(t, "buyer-1")

	resp, _ := s.do(t, http.MethodGet, "/api/v1/checkout/callback?buyer=buyer-1&reference="+ref, nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, pages.SuccessURL+"?reference="+ref, resp.Header.Get("Location"))

	// the buyer reloads the callback; the ledger answers
	resp, _ = s.do(t, http.MethodGet, "/api/v1/checkout/callback?ref="+ref, nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, pages.SuccessURL+"?reference="+ref, resp.Header.Get("Location"))
}

func TestCallback_DeclinedCarriesReason(t *testing.T) {
	s := newTestServer(t, sequentialRefs(), pendingVerifier())
	ref := s.begin(t, "buyer-1")

	q := url.Values{"buyer": {"buyer-1"}, "reference": {ref}, "status": {"failed"}, "message": {"Insufficient funds"}}
	resp, _ := s.do(t, http.MethodGet, "/api/v1/checkout/callback?"+q.Encode(), nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/declined", loc.Path)
	require.Equal(t, "Insufficient funds", loc.Query().Get("reason"))
}

func TestCallback_StaleReferenceGoesToPendingPage(t *testing.T) {
	s := newTestServer(t, sequentialRefs(), pendingVerifier())
	ref := s.begin(t, "buyer-1")

	resp, _ := s.do(t, http.MethodGet, "/api/v1/checkout/callback?buyer=buyer-1&reference=someone-else", nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/pending", loc.Path)
	require.Equal(t, ref, loc.Query().Get("reference"))

	resp, body := s.do(t, http.MethodGet, "/api/v1/checkout/callback?reference=unknown", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotEmpty(t, body["error"])
}

func TestCancelCheckout(t *testing.T) {
	s := newTestServer(t, sequentialRefs(), pendingVerifier())
	s.begin(t, "buyer-1")

	resp, body := s.do(t, http.MethodPost, "/api/v1/checkout/buyer-1/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cancelled", body["status"])
	require.Equal(t, pages.CancelledURL, body["next_url"])

	require.Eventually(t, func() bool { return s.registry.Active() == 0 }, time.Second, 5*time.Millisecond)
	resp, _ = s.do(t, http.MethodPost, "/api/v1/checkout/buyer-1/cancel", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/checkout/nobody/status", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVerifyReference(t *testing.T) {
	v := &fakeVerifier{VerifyFunc: func(ref string) (*gateway.VerifyResult, error) {
		if ref == "down" {
			return nil, errors.Join(domain.ErrTransport, errors.New("timeout"))
		}
		return &gateway.VerifyResult{Success: true, Status: "abandoned", Reference: ref}, nil
	}}
	s := newTestServer(t, sequentialRefs(), v)

	resp, body := s.do(t, http.MethodGet, "/api/v1/checkout/verify/abc123", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "abandoned", body["gateway_status"])
	require.Equal(t, true, body["terminal"])

	resp, _ = s.do(t, http.MethodGet, "/api/v1/checkout/verify/down", nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestSocket_RelaysMessageAndPushesOutcome(t *testing.T) {
	s := newTestServer(t, sequentialRefs(), pendingVerifier())
	ref := s.begin(t, "buyer-1")

	u := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/v1/checkout/ws?buyer=buyer-1"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.Connections("buyer-1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"origin": gatewayOrigin,
		"data":   map[string]any{"status": "success", "reference": ref},
	}))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg notify.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "outcome", msg.Type)
	require.Equal(t, domain.StatusSucceeded, msg.Outcome.Status)
	require.Equal(t, domain.SourceMessage, msg.Outcome.Session.LastConfirmedBy)
}

func TestHealthStatsAndMetrics(t *testing.T) {
	s := newTestServer(t, sequentialRefs(), pendingVerifier())

	resp, body := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])

	s.begin(t, "buyer-1")
	resp, body = s.do(t, http.MethodGet, "/api/v1/sessions/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, body["active_confirmations"])
	stats := body["sessions"].(map[string]any)
	require.EqualValues(t, 1, stats["pending"])

	resp, _ = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/sessions/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
