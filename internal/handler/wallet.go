package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
	"github.com/aitkaci/souq-coupons/internal/domain/wallet"
)

func (h *Handler) handleSaveToWallet(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	err := h.wallet.Save(r.Context(), identity.UserID, r.PathValue("couponID"))
	if err != nil {
		if errors.Is(err, wallet.ErrUnknownCoupon) {
			rej := coupon.Reject(coupon.ReasonNotFound)
			writeReason(w, http.StatusNotFound, rej.Reason, rej.Message)
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListWallet(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	entries, err := h.wallet.ListByUser(r.Context(), identity.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	e := &jx.Encoder{}
	e.ArrStart()
	for i := range entries {
		e.ObjStart()
		e.FieldStart("saved_at")
		e.Str(entries[i].SavedAt.Format(time.RFC3339))
		e.FieldStart("coupon")
		encodeCoupon(e, &entries[i].Coupon)
		e.ObjEnd()
	}
	e.ArrEnd()
	writeJSON(w, http.StatusOK, e)
}
