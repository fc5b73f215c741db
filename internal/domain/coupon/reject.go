package coupon

// Reason is a stable machine-readable code for an ineligible evaluation.
type Reason string

const (
	ReasonNotFound            Reason = "NOT_FOUND"
	ReasonInactive            Reason = "INACTIVE"
	ReasonNotYetStarted       Reason = "NOT_YET_STARTED"
	ReasonExpired             Reason = "EXPIRED"
	ReasonUsageLimitReached   Reason = "USAGE_LIMIT_REACHED"
	ReasonPerUserLimitReached Reason = "PER_USER_LIMIT_REACHED"
	ReasonBelowMinimum        Reason = "BELOW_MINIMUM"
	ReasonDomainMismatch      Reason = "DOMAIN_MISMATCH"
	ReasonAudienceMismatch    Reason = "AUDIENCE_MISMATCH"
	ReasonRuleMismatch        Reason = "RULE_MISMATCH"
)

// User-facing messages, suitable for direct display in the storefront.
var reasonMessages = map[Reason]string{
	ReasonNotFound:            "Code promo introuvable",
	ReasonInactive:            "Ce coupon n'est pas actif",
	ReasonNotYetStarted:       "Ce coupon n'est pas encore valable",
	ReasonExpired:             "Ce coupon a expiré",
	ReasonUsageLimitReached:   "Limite d'utilisation atteinte",
	ReasonPerUserLimitReached: "Vous avez déjà utilisé ce coupon",
	ReasonBelowMinimum:        "Montant minimum d'achat non atteint",
	ReasonDomainMismatch:      "Ce coupon ne s'applique pas à ce type d'achat",
	ReasonAudienceMismatch:    "Ce coupon est réservé à un autre public",
	ReasonRuleMismatch:        "Ce coupon ne s'applique pas à cet article",
}

// RejectionError is the typed, expected outcome of an ineligible evaluation
// or a lost commit race. It is never used for infrastructure failures.
type RejectionError struct {
	Reason  Reason
	Message string
}

func (e *RejectionError) Error() string {
	return string(e.Reason) + ": " + e.Message
}

// Reject builds the RejectionError for the given reason.
func Reject(r Reason) *RejectionError {
	return &RejectionError{Reason: r, Message: reasonMessages[r]}
}
