package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/editora/escrow-service/internal/app"
	"github.com/editora/escrow-service/internal/domain"
	"github.com/editora/escrow-service/internal/store/storetest"
	"github.com/editora/escrow-service/pkg/gateway"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testInternalKey = "internal-secret"

type stubGateway struct{}

func (stubGateway) Configured() bool { return true }

func (stubGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*gateway.Order, error) {
	return &gateway.Order{ID: "order_gw_" + receipt, Amount: amount, Currency: currency, Receipt: receipt, Status: "created"}, nil
}

func (stubGateway) VerifyPayment(ctx context.Context, gatewayOrderID, paymentID, signature string) (*gateway.Verification, error) {
	return &gateway.Verification{Valid: signature == "valid"}, nil
}

func (stubGateway) ProcessRefund(ctx context.Context, paymentID string, amount int64, currency, idempotencyKey string, notes map[string]string) (*gateway.RefundResult, error) {
	return &gateway.RefundResult{RefundID: "rfnd_" + idempotencyKey, Status: "processed", Amount: amount}, nil
}

func (stubGateway) CreatePayout(ctx context.Context, fundAccountID string, amount int64, currency, reference, idempotencyKey string) (*gateway.PayoutResult, error) {
	return &gateway.PayoutResult{PayoutID: "pout_" + idempotencyKey, Status: "processing"}, nil
}

func (stubGateway) VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool {
	return signatureHeader == "valid"
}

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, note domain.Notification)          {}
func (nopNotifier) PostSystemMessage(ctx context.Context, m domain.SystemMessage) {}

type testServer struct {
	repo     *storetest.Memory
	ledger   *app.Ledger
	router   http.Handler
	key      *rsa.PrivateKey
	clientID uuid.UUID
	editorID uuid.UUID
}

func newTestServer(t *testing.T, limiter RateLimiter, perMinute int) *testServer {
	t.Helper()
	t.Setenv("CLERK_AUDIENCE", "")
	t.Setenv("CLERK_ISSUER", "")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": "test-key",
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(jwks.Close)

	s := &testServer{
		repo:     storetest.NewMemory(),
		key:      key,
		clientID: uuid.New(),
		editorID: uuid.New(),
	}
	s.repo.AddUser(storetest.User{ID: s.clientID, ClerkUserID: "user_client"})
	s.repo.AddUser(storetest.User{ID: s.editorID, ClerkUserID: "user_editor"})

	gw := stubGateway{}
	s.ledger = app.NewLedger(s.repo, gw, nopNotifier{}, app.DefaultLedgerConfig())
	handlers := NewHandlers(s.ledger, app.NewWebhookProcessor(s.ledger, s.repo, gw))
	s.router = NewRouter(handlers, RouterConfig{
		ClerkJWKSURL:                      jwks.URL,
		InternalAPIKey:                    testInternalKey,
		Limiter:                           limiter,
		VerifyRateLimitPerMinute:          perMinute,
		DeliveryConfirmRateLimitPerMinute: perMinute,
	})
	return s
}

func (s *testServer) token(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) internal(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	return s.do(t, method, path, body, map[string]string{"X-Internal-API-Key": testInternalKey})
}

func (s *testServer) asUser(t *testing.T, subject, method, path string, body interface{}) *httptest.ResponseRecorder {
	return s.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + s.token(t, subject)})
}

func (s *testServer) createOrder(t *testing.T, amount int64) domain.Order {
	t.Helper()
	rec := s.internal(t, http.MethodPost, "/internal/orders", domain.NewOrder{
		Type:     domain.OrderTypeRequest,
		ClientID: s.clientID,
		EditorID: s.editorID,
		Title:    "Wedding highlight reel",
		Amount:   amount,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var order domain.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	return order
}

func (s *testServer) heldOrder(t *testing.T, status domain.OrderStatus, amount int64) domain.Order {
	t.Helper()
	fees := domain.ComputeFees(amount, 10)
	gwOrder := "order_gw_" + uuid.NewString()[:8]
	paymentID := "pay_" + uuid.NewString()[:8]
	heldAt := time.Now().UTC().Add(-48 * time.Hour)
	deadline := time.Now().UTC().Add(72 * time.Hour)
	o := domain.Order{
		ID:                    uuid.New(),
		OrderNumber:           domain.NewOrderNumber(time.Now().UTC()),
		Type:                  domain.OrderTypeRequest,
		ClientID:              s.clientID,
		EditorID:              s.editorID,
		Amount:                amount,
		Currency:              "INR",
		PlatformFeePercentage: fees.Percentage,
		PlatformFee:           fees.PlatformFee,
		EditorEarning:         fees.EditorEarning,
		Status:                status,
		Phase:                 domain.PhaseHeld,
		GatewayOrderID:        &gwOrder,
		GatewayPaymentID:      &paymentID,
		EscrowHeldAt:          &heldAt,
		Deadline:              &deadline,
	}
	s.repo.PutOrder(o)
	return o
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil, 0)

	rec := s.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInternalRoutesRequireKey(t *testing.T) {
	s := newTestServer(t, nil, 0)

	rec := s.do(t, http.MethodGet, "/internal/orders/"+uuid.NewString(), nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/internal/orders/"+uuid.NewString(), nil, map[string]string{"X-Internal-API-Key": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	unconfigured := InternalAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a configured key")
	}))
	rec = httptest.NewRecorder()
	unconfigured.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateAndGetOrder(t *testing.T) {
	s := newTestServer(t, nil, 0)
	created := s.createOrder(t, 1000)
	require.Equal(t, int64(100), created.PlatformFee)
	require.Equal(t, domain.PhaseAwaitingPayment, created.Phase)

	rec := s.internal(t, http.MethodGet, "/internal/orders/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Order    domain.Order     `json:"order"`
		Payments []domain.Payment `json:"payments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, created.ID, resp.Order.ID)
	require.Empty(t, resp.Payments)

	rec = s.internal(t, http.MethodGet, "/internal/orders/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.internal(t, http.MethodGet, "/internal/orders/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOrderRejectsSmallAmount(t *testing.T) {
	s := newTestServer(t, nil, 0)
	rec := s.internal(t, http.MethodPost, "/internal/orders", domain.NewOrder{
		Type:     domain.OrderTypeRequest,
		ClientID: s.clientID,
		EditorID: s.editorID,
		Amount:   10,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, nil, 0)
	order := s.createOrder(t, 1000)

	rec := s.do(t, http.MethodPost, "/payments/initiate/"+order.ID.String(), map[string]int64{"amount": 1000}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/payments/initiate/"+order.ID.String(), map[string]int64{"amount": 1000},
		map[string]string{"Authorization": "Bearer not-a-jwt"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.asUser(t, "user_unknown", http.MethodPost, "/payments/initiate/"+order.ID.String(), map[string]int64{"amount": 1000})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInitiateAndVerifyPayment(t *testing.T) {
	s := newTestServer(t, nil, 0)
	order := s.createOrder(t, 1000)
	path := "/payments/initiate/" + order.ID.String()

	rec := s.asUser(t, "user_editor", http.MethodPost, path, map[string]int64{"amount": 1000})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.asUser(t, "user_client", http.MethodPost, path, map[string]int64{"amount": 999})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.asUser(t, "user_client", http.MethodPost, path, map[string]int64{"amount": 1000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var initiated app.InitiateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &initiated))
	require.NotEmpty(t, initiated.GatewayOrderID)

	rec = s.asUser(t, "user_client", http.MethodPost, "/payments/verify", verifyPaymentRequest{
		GatewayOrderID: initiated.GatewayOrderID,
		PaymentID:      "pay_1",
		Signature:      "forged",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	for i := 0; i < 2; i++ {
		rec = s.asUser(t, "user_client", http.MethodPost, "/payments/verify", verifyPaymentRequest{
			GatewayOrderID: initiated.GatewayOrderID,
			PaymentID:      "pay_1",
			Signature:      "valid",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	held, err := s.repo.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseHeld, held.Phase)
	require.Equal(t, domain.StatusAccepted, held.Status)
}

func TestVerifyPaymentIsRateLimited(t *testing.T) {
	s := newTestServer(t, NewLocalRateLimiter(), 1)
	body := verifyPaymentRequest{GatewayOrderID: "order_gw_x", PaymentID: "pay_x", Signature: "valid"}

	rec := s.asUser(t, "user_client", http.MethodPost, "/payments/verify", body)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.asUser(t, "user_client", http.MethodPost, "/payments/verify", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Limits are tracked per caller.
	rec = s.asUser(t, "user_editor", http.MethodPost, "/payments/verify", body)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentWebhook(t *testing.T) {
	s := newTestServer(t, nil, 0)
	order := s.createOrder(t, 1000)
	initiated, err := s.ledger.Initiate(context.Background(), order.ID, 1000)
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"id":"evt_1","event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":%q,"status":"captured"}}}}`, initiated.GatewayOrderID))
	post := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
		if signature != "" {
			req.Header.Set("X-Gateway-Signature", signature)
		}
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusBadRequest, post("").Code)
	require.Equal(t, http.StatusBadRequest, post("forged").Code)
	require.Equal(t, http.StatusOK, post("valid").Code)
	require.Equal(t, http.StatusOK, post("valid").Code)

	held, err := s.repo.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseHeld, held.Phase)
}

func TestInitiateRefund(t *testing.T) {
	s := newTestServer(t, nil, 0)
	order := s.heldOrder(t, domain.StatusAccepted, 1000)
	path := "/refunds/initiate/" + order.ID.String()

	rec := s.internal(t, http.MethodPost, path, map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.internal(t, http.MethodPost, path, map[string]string{"reason": "client_cancelled"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var outcome app.RefundOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.False(t, outcome.Pending)
	require.Equal(t, domain.PhaseRefunded, outcome.Order.Phase)

	rec = s.internal(t, http.MethodPost, path, map[string]string{"reason": "client_cancelled"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Len(t, s.repo.Refunds(order.ID), 1)
}

func TestDisputeAndResolve(t *testing.T) {
	s := newTestServer(t, nil, 0)
	order := s.heldOrder(t, domain.StatusInProgress, 1000)
	base := "/internal/orders/" + order.ID.String()

	rec := s.internal(t, http.MethodPost, base+"/resolve", app.Resolution{Outcome: "refund_client"})
	require.Equal(t, http.StatusConflict, rec.Code)

	outsider := uuid.New()
	rec = s.internal(t, http.MethodPost, base+"/dispute", disputeRequest{RaisedBy: &outsider, Reason: "late"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.internal(t, http.MethodPost, base+"/dispute", disputeRequest{RaisedBy: &s.clientID, Reason: "late"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.internal(t, http.MethodPost, base+"/extend-deadline", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (bool, int, error) {
	return false, 0, errors.New("redis: connection refused")
}

func TestRateLimitAllowsWhenLimiterFails(t *testing.T) {
	called := false
	h := RateLimit(failingLimiter{}, "test", 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	require.True(t, called)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5123"
	require.Equal(t, "10.0.0.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	require.Equal(t, "203.0.113.7", clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	require.Equal(t, "198.51.100.2", clientIP(req))
}

func TestWriteLedgerError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: expected 1000", app.ErrInvalidAmount), http.StatusBadRequest},
		{app.ErrSignatureInvalid, http.StatusBadRequest},
		{app.ErrDeliveryTokenInvalid, http.StatusBadRequest},
		{app.ErrRatingRequired, http.StatusBadRequest},
		{app.ErrDeadlineExtensionLimit, http.StatusBadRequest},
		{app.ErrForbidden, http.StatusForbidden},
		{app.ErrOrderNotFound, http.StatusNotFound},
		{app.ErrAlreadySettled, http.StatusConflict},
		{app.ErrStaleTransition, http.StatusConflict},
		{app.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{errors.New("razorpay: BAD_REQUEST_ERROR key_secret=xyz"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeLedgerError(rec, "test", tt.err)
		require.Equal(t, tt.code, rec.Code, tt.err.Error())
	}

	rec := httptest.NewRecorder()
	writeLedgerError(rec, "test", errors.New("razorpay: BAD_REQUEST_ERROR key_secret=xyz"))
	require.NotContains(t, rec.Body.String(), "razorpay")
}
