package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/errand-pay/internal/common"
	"github.com/noah-isme/errand-pay/internal/pricing"
)

const maxRequestBytes = 64 << 10

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	common.JSON(w, http.StatusOK, map[string]any{
		"service":      "errand-pay sandbox",
		"intent_shape": s.shape,
		"system_fee":   pricing.Format(s.fee),
		"endpoints": []string{
			"GET /api/check-chat/{task}/",
			"POST /api/create-payment-intent/",
			"POST /api/create-gcash-payment/",
			"POST /api/create-card-payment/",
			"POST /api/complete-task-payment/{task}/",
			"POST /api/create-task-gcash-payment/",
			"GET /api/check-payment-status/?payment_id=",
			"GET /api/payment-details/{payment}/",
			"GET /api/download-receipt/{payment}/",
			"POST /sandbox/payments/{payment}/confirm|fail",
			"POST /sandbox/tasks/{task}/unlock",
			"POST /sandbox/tasks/{task}/price",
		},
	})
}

func (s *Server) checkChat(w http.ResponseWriter, r *http.Request) {
	task := s.store.Task(chi.URLParam(r, "taskID"))
	if task.ChatUnlocked {
		common.JSON(w, http.StatusOK, map[string]any{"allowed": true})
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"allowed":          false,
		"reason":           fmt.Sprintf("Pay the %s system fee to unlock chat", pricing.Format(s.fee)),
		"payment_required": true,
	})
}

func (s *Server) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TaskID        string `json:"task_id"`
		PaymentMethod string `json:"payment_method"`
	}
	if err := decode(r, &in); err != nil {
		common.Fail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(in.TaskID) == "" {
		common.Fail(w, http.StatusBadRequest, "task_id is required")
		return
	}
	method := strings.ToLower(strings.TrimSpace(in.PaymentMethod))
	if method == "" {
		method = "gcash"
	}
	if method != "gcash" && method != "card" {
		common.Fail(w, http.StatusBadRequest, "unsupported payment method "+method)
		return
	}

	intent := s.store.CreateFeeIntent(in.TaskID, method, s.fee)
	s.logger.Info().Str("task_id", in.TaskID).Str("intent_id", intent.ID).Str("method", method).Msg("fee intent created")

	if method == "card" {
		p, err := s.store.AttachSource(intent.ID)
		if err != nil {
			common.Fail(w, http.StatusInternalServerError, "could not prepare the card form")
			return
		}
		common.JSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"checkout_url": s.checkoutURL(r, p.SourceID),
			"is_card_form": true,
		})
		return
	}
	common.JSON(w, http.StatusOK, s.shapeIntent(intent))
}

// shapeIntent renders an intent in one of the layouts backend versions have used.
func (s *Server) shapeIntent(p Payment) map[string]any {
	attrs := map[string]any{
		"client_key": p.ClientKey,
		"amount":     pricing.ToMinor(p.Amount),
		"currency":   "PHP",
		"status":     "awaiting_payment_method",
	}
	switch s.shape {
	case ShapeRoot:
		attrs["id"] = p.ID
		attrs["success"] = true
		return attrs
	case ShapeData:
		attrs["id"] = p.ID
		return map[string]any{"success": true, "data": attrs}
	default:
		return map[string]any{"data": map[string]any{"id": p.ID, "type": "payment_intent", "attributes": attrs}}
	}
}

func (s *Server) createSource(card bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			TaskID    string `json:"task_id"`
			ClientKey string `json:"client_key"`
		}
		if err := decode(r, &in); err != nil {
			common.Fail(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(in.ClientKey) == "" {
			common.Fail(w, http.StatusBadRequest, "Missing client_key from payment intent")
			return
		}
		intent, err := s.store.PaymentByClientKey(in.ClientKey)
		if err != nil || (in.TaskID != "" && intent.TaskID != in.TaskID) {
			common.Fail(w, http.StatusNotFound, "Payment intent not found")
			return
		}
		p, err := s.store.AttachSource(intent.ID)
		if err != nil {
			common.Fail(w, http.StatusConflict, "Payment is no longer pending")
			return
		}
		common.JSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"checkout_url": s.checkoutURL(r, p.SourceID),
			"source_id":    p.SourceID,
			"is_card_form": card,
		})
	}
}

func (s *Server) completeTaskPayment(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var in struct {
		PaymentMethod string `json:"payment_method"`
	}
	if err := decode(r, &in); err != nil {
		common.Fail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	method := strings.ToLower(strings.TrimSpace(in.PaymentMethod))
	switch method {
	case "paymongo", "gcash":
		method = "gcash"
	case "cod", "cash":
		method = "cod"
	default:
		common.Fail(w, http.StatusBadRequest, "Invalid payment method")
		return
	}

	q, err := s.pricing.Quote(s.store.Task(taskID).Price)
	if err != nil {
		common.Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	p := s.store.CreateTaskPayment(taskID, method, q.Total)
	s.logger.Info().Str("task_id", taskID).Str("payment_id", p.ID).Str("method", method).Msg("task payment created")

	message := "Proceed to GCash to pay " + pricing.Format(q.Total)
	if method == "cod" {
		message = "Cash on delivery recorded. Pay " + pricing.Format(q.Total) + " to the doer."
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"payment_id": json.Number(p.ID),
		"message":    message,
	})
}

func (s *Server) createTaskSource(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PaymentID json.Number `json:"payment_id"`
	}
	if err := decode(r, &in); err != nil {
		common.Fail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.PaymentID == "" {
		common.Fail(w, http.StatusBadRequest, "Missing payment_id")
		return
	}
	p, err := s.store.AttachSource(in.PaymentID.String())
	if err != nil {
		common.Fail(w, http.StatusNotFound, "Payment not found")
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"checkout_url": s.checkoutURL(r, p.SourceID),
		"source_id":    p.SourceID,
	})
}

func (s *Server) paymentStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("payment_id"))
	if id == "" {
		common.Fail(w, http.StatusBadRequest, "payment_id is required")
		return
	}
	p, err := s.store.Payment(id)
	if err != nil {
		common.Fail(w, http.StatusNotFound, "Payment not found")
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"status": p.Status})
}

func (s *Server) paymentDetails(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Payment(chi.URLParam(r, "paymentID"))
	if err != nil {
		common.Fail(w, http.StatusNotFound, "Payment not found")
		return
	}
	task := s.store.Task(p.TaskID)
	common.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"payment": map[string]any{
			"id":               p.ID,
			"task_title":       task.Title,
			"task_location":    task.Location,
			"amount":           p.Amount.StringFixed(2),
			"method":           p.Method,
			"status":           p.Status,
			"status_display":   statusDisplay(p.Status),
			"created_at":       p.CreatedAt.Format("January 02, 2006 03:04 PM"),
			"paymongo_id":      orNA(p.SourceID),
			"reference_number": orNA(p.Reference),
		},
	})
}

func (s *Server) downloadReceipt(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Payment(chi.URLParam(r, "paymentID"))
	if err != nil {
		common.Fail(w, http.StatusNotFound, "Payment not found")
		return
	}
	body := renderReceipt(p, s.store.Task(p.TaskID), s.pricing)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="receipt_%s.txt"`, p.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func (s *Server) settlePayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.settle(chi.URLParam(r, "paymentID"), chi.URLParam(r, "action"))
	if err != nil {
		s.writeSettleError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"success": true, "status": p.Status})
}

func (s *Server) settle(paymentID, action string) (Payment, error) {
	var confirmed bool
	switch action {
	case "confirm":
		confirmed = true
	case "fail":
	default:
		return Payment{}, errUnknownAction
	}
	p, err := s.store.Settle(paymentID, confirmed)
	if err == nil {
		s.logger.Info().Str("payment_id", p.ID).Str("task_id", p.TaskID).Str("status", p.Status).Msg("payment settled")
	}
	return p, err
}

var errUnknownAction = errors.New("sandbox: unknown action")

func (s *Server) writeSettleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUnknownAction):
		common.Fail(w, http.StatusNotFound, "unknown action")
	case errors.Is(err, ErrNotFound):
		common.Fail(w, http.StatusNotFound, "Payment not found")
	case errors.Is(err, ErrAlreadySettled):
		common.Fail(w, http.StatusConflict, "Payment already settled")
	default:
		common.Fail(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) unlockChat(w http.ResponseWriter, r *http.Request) {
	task := s.store.UnlockChat(chi.URLParam(r, "taskID"))
	common.JSON(w, http.StatusOK, map[string]any{"success": true, "allowed": task.ChatUnlocked})
}

func (s *Server) setPrice(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := decode(r, &in); err != nil {
		common.Fail(w, http.StatusBadRequest, "price must be a decimal amount")
		return
	}
	if in.Price.IsNegative() {
		common.Fail(w, http.StatusBadRequest, "price must not be negative")
		return
	}
	task := s.store.SetPrice(chi.URLParam(r, "taskID"), in.Price)
	q, _ := s.pricing.Quote(task.Price)
	common.JSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"price":       q.Price.StringFixed(2),
		"service_fee": q.ServiceFee.StringFixed(2),
		"total":       q.Total.StringFixed(2),
	})
}

func (s *Server) checkoutURL(r *http.Request, sourceID string) string {
	return s.baseURL(r) + "/sandbox/checkout/" + sourceID
}

func statusDisplay(status string) string {
	switch status {
	case StatusPendingPayment:
		return "Pending Payment"
	case StatusPendingCOD:
		return "Pending Cash Payment"
	case StatusConfirmed:
		return "Confirmed"
	case StatusFailed:
		return "Failed"
	default:
		return status
	}
}

func orNA(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}
