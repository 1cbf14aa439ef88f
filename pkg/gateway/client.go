/**
 * @description
 * This package provides a client for the payment gateway (Razorpay-compatible REST API).
 * It creates checkout orders, verifies checkout and webhook signatures, issues refunds and
 * sends payouts to editors' linked fund accounts.
 *
 * Amounts cross this package's API in whole major units and are converted to the gateway's
 * minor unit (paise) exactly once, on the way out, and back on the way in.
 *
 * Gateway error responses are translated into ErrRejected (the gateway made a decision) or
 * ErrNoFundAccount; transport failures and timeouts are returned as-is and should be
 * treated as transient by callers.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal (via units.go): Minor-unit conversion.
 */
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	ErrUnavailable   = errors.New("payment gateway not configured")
	ErrNoFundAccount = errors.New("payee has no verified fund account")
	ErrRejected      = errors.New("payment gateway rejected the request")
)

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL             string
	KeyID               string
	KeySecret           string
	WebhookSecret       string
	PayoutAccountNumber string
	HTTPClient          *http.Client
}

// NewClient creates a new gateway client. Every call is bounded by timeout.
func NewClient(baseURL, keyID, keySecret, webhookSecret, payoutAccountNumber string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:             strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		KeyID:               strings.TrimSpace(keyID),
		KeySecret:           strings.TrimSpace(keySecret),
		WebhookSecret:       strings.TrimSpace(webhookSecret),
		PayoutAccountNumber: strings.TrimSpace(payoutAccountNumber),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Configured reports whether the client has the credentials needed to move money.
func (c *Client) Configured() bool {
	return c != nil && c.BaseURL != "" && c.KeyID != "" && c.KeySecret != ""
}

// APIError is the error envelope returned by the gateway on non-2xx responses.
type APIError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Field       string `json:"field,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("gateway api error (%d %s): %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("gateway api error (%d)", e.StatusCode)
}

// IsExplicitRejection reports whether the gateway reached a decision about the request,
// as opposed to failing to process it.
func (e *APIError) IsExplicitRejection() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests && e.StatusCode != http.StatusRequestTimeout
}

// Is lets callers match explicit rejections with errors.Is(err, ErrRejected).
func (e *APIError) Is(target error) bool {
	return target == ErrRejected && e.IsExplicitRejection()
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// Order is a checkout order created on the gateway.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"-"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// PaymentDetails describes a captured or authorized payment.
type PaymentDetails struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Amount    int64     `json:"-"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	Method    string    `json:"method"`
	CreatedAt time.Time `json:"-"`
}

// Verification is the result of checking a checkout callback.
type Verification struct {
	Valid   bool
	Payment *PaymentDetails
}

// RefundResult is the gateway's acknowledgement of a refund.
type RefundResult struct {
	RefundID string
	Status   string
	Amount   int64
}

// PayoutResult is the gateway's acknowledgement of a payout.
type PayoutResult struct {
	PayoutID string
	Status   string
}

type wireOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type wirePayment struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	Method    string `json:"method"`
	CreatedAt int64  `json:"created_at"`
}

type wireRefund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

type wirePayout struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateOrder opens a checkout order for amount major units.
func (c *Client) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*Order, error) {
	if !c.Configured() {
		return nil, ErrUnavailable
	}
	payload := map[string]interface{}{
		"amount":   ToMinor(amount, currency),
		"currency": currency,
		"receipt":  receipt,
		"notes":    notes,
	}
	var out wireOrder
	if err := c.do(ctx, "create_order", http.MethodPost, "/v1/orders", payload, "", &out); err != nil {
		return nil, err
	}
	return &Order{
		ID:       out.ID,
		Amount:   MajorUnits(out.Amount, out.Currency),
		Currency: out.Currency,
		Receipt:  out.Receipt,
		Status:   out.Status,
	}, nil
}

// FetchPayment loads a payment by id.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*PaymentDetails, error) {
	if !c.Configured() {
		return nil, ErrUnavailable
	}
	var out wirePayment
	if err := c.do(ctx, "fetch_payment", http.MethodGet, "/v1/payments/"+paymentID, nil, "", &out); err != nil {
		return nil, err
	}
	details := &PaymentDetails{
		ID:       out.ID,
		OrderID:  out.OrderID,
		Amount:   MajorUnits(out.Amount, out.Currency),
		Currency: out.Currency,
		Status:   out.Status,
		Method:   out.Method,
	}
	if out.CreatedAt > 0 {
		details.CreatedAt = time.Unix(out.CreatedAt, 0).UTC()
	}
	return details, nil
}

// VerifyPayment checks the checkout signature over "orderId|paymentId" and, when it
// matches, fetches the payment to confirm it belongs to the order. A signature mismatch
// is reported as Valid=false with a nil error.
func (c *Client) VerifyPayment(ctx context.Context, gatewayOrderID, paymentID, signature string) (*Verification, error) {
	if !c.Configured() {
		return nil, ErrUnavailable
	}
	if !ValidSignature(c.KeySecret, PaymentSignaturePayload(gatewayOrderID, paymentID), signature) {
		return &Verification{Valid: false}, nil
	}
	details, err := c.FetchPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if details.OrderID != "" && details.OrderID != gatewayOrderID {
		log.Printf("level=warn component=gateway_client op=verify_payment msg=\"payment belongs to a different order\" gateway_order_id=%s payment_id=%s", gatewayOrderID, paymentID)
		return &Verification{Valid: false, Payment: details}, nil
	}
	return &Verification{Valid: true, Payment: details}, nil
}

// ProcessRefund refunds amount major units of a captured payment.
func (c *Client) ProcessRefund(ctx context.Context, paymentID string, amount int64, currency, idempotencyKey string, notes map[string]string) (*RefundResult, error) {
	if !c.Configured() {
		return nil, ErrUnavailable
	}
	payload := map[string]interface{}{
		"amount":  ToMinor(amount, currency),
		"speed":   "normal",
		"receipt": idempotencyKey,
		"notes":   notes,
	}
	var out wireRefund
	if err := c.do(ctx, "process_refund", http.MethodPost, "/v1/payments/"+paymentID+"/refund", payload, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &RefundResult{RefundID: out.ID, Status: out.Status, Amount: MajorUnits(out.Amount, currency)}, nil
}

// CreatePayout sends amount major units to a payee's fund account.
func (c *Client) CreatePayout(ctx context.Context, fundAccountID string, amount int64, currency, reference, idempotencyKey string) (*PayoutResult, error) {
	if !c.Configured() {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(fundAccountID) == "" {
		return nil, ErrNoFundAccount
	}
	payload := map[string]interface{}{
		"account_number":       c.PayoutAccountNumber,
		"fund_account_id":      fundAccountID,
		"amount":               ToMinor(amount, currency),
		"currency":             currency,
		"mode":                 "IMPS",
		"purpose":              "payout",
		"queue_if_low_balance": true,
		"reference_id":         reference,
	}
	var out wirePayout
	err := c.do(ctx, "create_payout", http.MethodPost, "/v1/payouts", payload, idempotencyKey, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Field == "fund_account_id" {
			return nil, fmt.Errorf("%w: %s", ErrNoFundAccount, apiErr.Description)
		}
		return nil, err
	}
	return &PayoutResult{PayoutID: out.ID, Status: out.Status}, nil
}

// VerifyWebhookSignature checks the signature header against the raw request body.
// It fails closed when no webhook secret is configured.
func (c *Client) VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool {
	if c == nil || c.WebhookSecret == "" {
		return false
	}
	return ValidSignature(c.WebhookSecret, rawBody, signatureHeader)
}

func (c *Client) do(ctx context.Context, op, method, path string, payload interface{}, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.SetBasicAuth(c.KeyID, c.KeySecret)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
		req.Header.Set("X-Payout-Idempotency", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope errorEnvelope
		if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
			log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return &APIError{StatusCode: resp.StatusCode}
		}
		envelope.Error.StatusCode = resp.StatusCode
		log.Printf("level=warn component=gateway_client op=%s status=%d code=%q description=%q", op, resp.StatusCode, envelope.Error.Code, envelope.Error.Description)
		apiErr := envelope.Error
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// IsTimeout reports whether err came from a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
