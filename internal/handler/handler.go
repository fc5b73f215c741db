// Package handler exposes the coupon engine over HTTP. Business-rule
// ineligibility is always reported as a typed JSON body with a stable reason
// code and a user-displayable message; only infrastructure failures map to
// generic 5xx responses.
package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aitkaci/souq-coupons/internal/domain/catalog"
	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
	"github.com/aitkaci/souq-coupons/internal/domain/redemption"
	"github.com/aitkaci/souq-coupons/internal/domain/wallet"
)

// maxBodyBytes bounds request body reads.
const maxBodyBytes = 1 << 20

// Handler serves the coupon API.
type Handler struct {
	coordinator *redemption.Coordinator
	coupons     coupon.Repository
	catalog     catalog.Repository
	wallet      wallet.Repository
	metrics     *Metrics
}

// NewHandler constructs a Handler with the required domain dependencies.
// A nil metrics disables outcome counters.
func NewHandler(
	coordinator *redemption.Coordinator,
	coupons coupon.Repository,
	cat catalog.Repository,
	w wallet.Repository,
	metrics *Metrics,
) *Handler {
	return &Handler{
		coordinator: coordinator,
		coupons:     coupons,
		catalog:     cat,
		wallet:      w,
		metrics:     metrics,
	}
}

// Routes registers the API endpoints on the mux. Every route expects an
// authenticated identity in the request context (see SecurityMiddleware).
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/coupons/validate", h.handleValidate)
	mux.HandleFunc("POST /api/coupons/auto-apply", h.handleAutoApply)
	mux.HandleFunc("POST /api/coupons/redeem", h.handleRedeem)
	mux.HandleFunc("GET /api/coupons", h.handleListCoupons)
	mux.HandleFunc("POST /api/coupons", h.handleCreateCoupon)
	mux.HandleFunc("POST /api/coupons/{id}/toggle", h.handleToggleCoupon)
	mux.HandleFunc("DELETE /api/coupons/{id}", h.handleDeleteCoupon)
	mux.HandleFunc("PUT /api/wallet/{couponID}", h.handleSaveToWallet)
	mux.HandleFunc("GET /api/wallet", h.handleListWallet)
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeReason(w http.ResponseWriter, status int, reason coupon.Reason, message string) {
	e := &jx.Encoder{}
	e.ObjStart()
	e.FieldStart("reason")
	e.Str(string(reason))
	e.FieldStart("message")
	e.Str(message)
	e.ObjEnd()
	writeJSON(w, status, e)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	e := &jx.Encoder{}
	e.ObjStart()
	e.FieldStart("message")
	e.Str(message)
	e.ObjEnd()
	writeJSON(w, http.StatusBadRequest, e)
}

// writeDomainError maps a domain error to a response. Typed rejections keep
// their reason code and French message; anything else is an infrastructure
// failure: logged, and reported as a generic retryable 503.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *coupon.RejectionError
	if errors.As(err, &rej) {
		h.metrics.recordRejection(r.Context(), rej.Reason)
		trace.SpanFromContext(r.Context()).SetAttributes(
			attribute.String("coupon.reject_reason", string(rej.Reason)))

		status := http.StatusUnprocessableEntity
		if rej.Reason == coupon.ReasonNotFound {
			status = http.StatusNotFound
		}
		writeReason(w, status, rej.Reason, rej.Message)
		return
	}

	zctx.From(r.Context()).Error("coupon engine failure", zap.Error(err))
	writeReason(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
		"Service momentanément indisponible, veuillez réessayer")
}

func encodeDiscount(e *jx.Encoder, d *coupon.Discount) {
	e.ObjStart()
	e.FieldStart("coupon_id")
	e.Str(d.CouponID)
	e.FieldStart("title")
	e.Str(d.Title)
	e.FieldStart("discount_type")
	e.Str(string(d.Type))
	e.FieldStart("discount_amount")
	e.Float64(d.Amount.InexactFloat64())
	e.ObjEnd()
}
