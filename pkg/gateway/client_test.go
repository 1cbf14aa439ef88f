package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "key_test", "secret_test", "whsec_test", "2323230000000000", 2*time.Second)
}

func TestToMinorAndBack(t *testing.T) {
	require.Equal(t, int64(100000), ToMinor(1000, "INR"))
	require.Equal(t, int64(1000), ToMinor(1000, "JPY"))
	require.Equal(t, int64(1000), MajorUnits(100000, "INR"))
	require.Equal(t, int64(1000), MajorUnits(99950, "INR"))
	require.Equal(t, "999.5", FromMinor(99950, "inr").String())
}

func TestValidSignature_ConstantTimeCompare(t *testing.T) {
	payload := PaymentSignaturePayload("order_1", "pay_1")
	sig := Sign("secret_test", payload)

	require.True(t, ValidSignature("secret_test", payload, sig))
	require.False(t, ValidSignature("secret_test", payload, sig[:len(sig)-2]+"00"))
	require.False(t, ValidSignature("secret_test", PaymentSignaturePayload("order_1", "pay_2"), sig))
	require.False(t, ValidSignature("secret_test", payload, "not-hex"))
	require.False(t, ValidSignature("", payload, sig))
}

func TestVerifyWebhookSignature_FailsClosedWithoutSecret(t *testing.T) {
	body := []byte(`{"event":"payment.captured"}`)
	c := NewClient("http://gateway.invalid", "k", "s", "", "", time.Second)

	require.False(t, c.VerifyWebhookSignature(body, Sign("", body)))

	c.WebhookSecret = "whsec"
	require.True(t, c.VerifyWebhookSignature(body, Sign("whsec", body)))
}

func TestCreateOrder_ConvertsToMinorUnits(t *testing.T) {
	var gotAmount float64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "key_test", user)
		require.Equal(t, "secret_test", pass)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotAmount = body["amount"].(float64)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"order_abc","amount":125000,"currency":"INR","receipt":"ORD-1","status":"created"}`))
	})

	order, err := c.CreateOrder(context.Background(), 1250, "INR", "ORD-1", nil)
	require.NoError(t, err)
	require.Equal(t, float64(125000), gotAmount)
	require.Equal(t, "order_abc", order.ID)
	require.Equal(t, int64(1250), order.Amount)
}

func TestVerifyPayment_InvalidSignatureSkipsFetch(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	v, err := c.VerifyPayment(context.Background(), "order_1", "pay_1", Sign("wrong", PaymentSignaturePayload("order_1", "pay_1")))
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.False(t, called, "gateway should not be called for a bad signature")
}

func TestVerifyPayment_RejectsPaymentForOtherOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pay_1","order_id":"order_other","amount":100000,"currency":"INR","status":"captured"}`))
	})

	v, err := c.VerifyPayment(context.Background(), "order_1", "pay_1", Sign("secret_test", PaymentSignaturePayload("order_1", "pay_1")))
	require.NoError(t, err)
	require.False(t, v.Valid)
}

func TestProcessRefund_ExplicitRejection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "rfd-key", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"The payment has been fully refunded already"}}`))
	})

	_, err := c.ProcessRefund(context.Background(), "pay_1", 750, "INR", "rfd-key", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrRejected))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestProcessRefund_ServerErrorIsNotRejection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.ProcessRefund(context.Background(), "pay_1", 750, "INR", "rfd-key", nil)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrRejected))
}

func TestProcessRefund_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)
	c.HTTPClient.Timeout = 50 * time.Millisecond

	_, err := c.ProcessRefund(context.Background(), "pay_1", 750, "INR", "rfd-key", nil)
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	require.False(t, errors.Is(err, ErrRejected))
}

func TestCreatePayout_MissingFundAccount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"fund account is not active","field":"fund_account_id"}}`))
	})

	_, err := c.CreatePayout(context.Background(), "", 900, "INR", "ORD-1", "key")
	require.ErrorIs(t, err, ErrNoFundAccount)

	_, err = c.CreatePayout(context.Background(), "fa_123", 900, "INR", "ORD-1", "key")
	require.ErrorIs(t, err, ErrNoFundAccount)
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient("", "", "", "", "", 0)
	_, err := c.CreateOrder(context.Background(), 1000, "INR", "r", nil)
	require.ErrorIs(t, err, ErrUnavailable)
}
