/**
 * @description
 * HTTP handlers for the escrow service. Handlers decode the request, resolve the caller,
 * delegate to the ledger and translate ledger errors into status codes. Gateway details
 * never reach a response body.
 *
 * @dependencies
 * - internal/app: Ledger and webhook processor.
 * - github.com/go-chi/chi/v5: URL parameters.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/editora/escrow-service/internal/app"
	"github.com/editora/escrow-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxWebhookBody = 1 << 20

// Handlers holds the dependencies of the HTTP endpoints.
type Handlers struct {
	ledger   *app.Ledger
	webhooks *app.WebhookProcessor
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(ledger *app.Ledger, webhooks *app.WebhookProcessor) *Handlers {
	return &Handlers{ledger: ledger, webhooks: webhooks}
}

type verifyPaymentRequest struct {
	GatewayOrderID string `json:"gateway_order_id"`
	PaymentID      string `json:"payment_id"`
	Signature      string `json:"signature"`
}

type initiatePaymentRequest struct {
	Amount int64 `json:"amount"`
}

type confirmDeliveryRequest struct {
	ConfirmText string `json:"confirm_text"`
	Token       string `json:"token"`
}

type refundRequest struct {
	Reason        string  `json:"reason"`
	ReasonDetails *string `json:"reason_details,omitempty"`
	InitiatedBy   string  `json:"initiated_by"`
}

type disputeRequest struct {
	RaisedBy *uuid.UUID `json:"raised_by,omitempty"`
	Reason   string     `json:"reason"`
}

type extendDeadlineRequest struct {
	Deadline time.Time `json:"deadline"`
}

type orderResponse struct {
	Order    *domain.Order    `json:"order"`
	Payments []domain.Payment `json:"payments"`
}

// PaymentWebhookHandler receives gateway events. Any non-2xx answer makes the gateway
// redeliver, so only persistence failures return 500.
func (h *Handlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	err = h.webhooks.Process(r.Context(), body, r.Header.Get("X-Gateway-Signature"), r.Header.Get("X-Gateway-Event-Id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, app.ErrSignatureInvalid):
		writeError(w, http.StatusBadRequest, "Invalid webhook signature")
	default:
		log.Printf("level=error component=api endpoint=payment_webhook msg=\"webhook processing failed\" err=%v", err)
		writeError(w, http.StatusInternalServerError, "Webhook processing failed")
	}
}

// VerifyPaymentHandler finalizes a checkout from the client's success callback.
func (h *Handlers) VerifyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.resolveCaller(w, r, "verify_payment"); !ok {
		return
	}

	var req verifyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.GatewayOrderID = strings.TrimSpace(req.GatewayOrderID)
	req.PaymentID = strings.TrimSpace(req.PaymentID)
	if req.GatewayOrderID == "" || req.PaymentID == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "gateway_order_id, payment_id and signature are required")
		return
	}

	order, err := h.ledger.Confirm(r.Context(), req.GatewayOrderID, req.PaymentID, req.Signature)
	if err != nil {
		writeLedgerError(w, "verify_payment", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// InitiatePaymentHandler opens a gateway checkout for the caller's order.
func (h *Handlers) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.resolveCaller(w, r, "initiate_payment")
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.ledger.GetOrder(r.Context(), orderID)
	if err != nil {
		writeLedgerError(w, "initiate_payment", err)
		return
	}
	if order.ClientID != callerID {
		writeLedgerError(w, "initiate_payment", app.ErrForbidden)
		return
	}

	result, err := h.ledger.Initiate(r.Context(), orderID, req.Amount)
	if err != nil {
		writeLedgerError(w, "initiate_payment", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// IssueDownloadTokenHandler returns a fresh download token for a submitted order.
func (h *Handlers) IssueDownloadTokenHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.resolveCaller(w, r, "issue_download_token")
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	token, err := h.ledger.IssueDownloadToken(r.Context(), orderID, callerID)
	if err != nil {
		writeLedgerError(w, "issue_download_token", err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// ConfirmDeliveryHandler accepts the delivery and releases escrow to the editor.
func (h *Handlers) ConfirmDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.resolveCaller(w, r, "confirm_delivery")
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req confirmDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.ledger.ConfirmDelivery(r.Context(), orderID, callerID, req.ConfirmText, req.Token)
	if err != nil {
		writeLedgerError(w, "confirm_delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// InitiateRefundHandler refunds an order by the stage table. Pending refunds answer 202.
func (h *Handlers) InitiateRefundHandler(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = "system"
	}

	outcome, err := h.ledger.Refund(r.Context(), orderID, app.RefundRequest{
		Reason:        req.Reason,
		ReasonDetails: req.ReasonDetails,
		InitiatedBy:   req.InitiatedBy,
	})
	if err != nil {
		writeLedgerError(w, "initiate_refund", err)
		return
	}
	status := http.StatusOK
	if outcome.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, outcome)
}

// CreateOrderHandler opens a new order awaiting payment.
func (h *Handlers) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.NewOrder
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.ledger.CreateOrder(r.Context(), req)
	if err != nil {
		writeLedgerError(w, "create_order", err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handlers) DisputeOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	raisedBy := uuid.Nil
	if req.RaisedBy != nil {
		raisedBy = *req.RaisedBy
	}

	order, err := h.ledger.Dispute(r.Context(), orderID, raisedBy, req.Reason)
	if err != nil {
		writeLedgerError(w, "dispute_order", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) ResolveDisputeHandler(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req app.Resolution
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.ledger.ResolveDispute(r.Context(), orderID, req)
	if err != nil {
		writeLedgerError(w, "resolve_dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) ExtendDeadlineHandler(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req extendDeadlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Deadline.IsZero() {
		writeError(w, http.StatusBadRequest, "A valid deadline is required")
		return
	}

	order, err := h.ledger.ExtendDeadline(r.Context(), orderID, req.Deadline)
	if err != nil {
		writeLedgerError(w, "extend_deadline", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetOrderHandler returns the order projection with its payment records.
func (h *Handlers) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.ledger.GetOrder(r.Context(), orderID)
	if err != nil {
		writeLedgerError(w, "get_order", err)
		return
	}
	payments, err := h.ledger.ListPayments(r.Context(), orderID)
	if err != nil {
		writeLedgerError(w, "get_order", err)
		return
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: order, Payments: payments})
}

// resolveCaller maps the authenticated Clerk user to the internal user id.
func (h *Handlers) resolveCaller(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	clerkUserID, ok := GetClerkUserID(r.Context())
	if !ok || clerkUserID == "" {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from token")
		return uuid.Nil, false
	}
	userID, err := h.ledger.ResolveInternalUserID(r.Context(), clerkUserID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s msg=\"user resolution failed\" clerk_user_id=%s err=%v", endpoint, clerkUserID, err)
		writeError(w, http.StatusUnauthorized, "User not found")
		return uuid.Nil, false
	}
	return userID, true
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return uuid.Nil, false
	}
	return orderID, true
}

// writeLedgerError translates ledger errors into HTTP responses.
func writeLedgerError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidOrder),
		errors.Is(err, app.ErrSignatureInvalid),
		errors.Is(err, app.ErrDeliveryTokenInvalid),
		errors.Is(err, app.ErrRatingRequired),
		errors.Is(err, app.ErrConfirmTextMismatch),
		errors.Is(err, app.ErrDeadlineExtension),
		errors.Is(err, app.ErrDeadlineExtensionLimit),
		errors.Is(err, app.ErrInvalidResolution):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrOrderNotFound), errors.Is(err, app.ErrRefundNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrAlreadySettled),
		errors.Is(err, app.ErrStaleTransition),
		errors.Is(err, app.ErrRefundInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrGatewayUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Payments are temporarily unavailable")
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"request failed\" err=%v", endpoint, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper function to write JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper function to write JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
