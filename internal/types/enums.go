package types

// SubscriptionStatus mirrors the lifecycle states reported by the primary
// payment account. The local state machine only ever toggles between active
// and past_due; everything else is driven by lifecycle webhooks.
type SubscriptionStatus string

const (
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// IsTerminal reports whether the status permits no further transitions.
// canceled is the only terminal state; handlers must never move a
// subscription out of it.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubStatusCanceled
}

// CanTransition reports whether the state machine allows moving from s to
// next. Reapplying the current status is always allowed (idempotent sync).
func (s SubscriptionStatus) CanTransition(next SubscriptionStatus) bool {
	if s == next {
		return !s.IsTerminal()
	}
	switch s {
	case SubStatusIncomplete:
		return next == SubStatusTrialing || next == SubStatusActive || next == SubStatusIncompleteExpired
	case SubStatusTrialing:
		return next == SubStatusActive || next == SubStatusPastDue || next == SubStatusCanceled
	case SubStatusActive:
		return next == SubStatusPastDue || next == SubStatusUnpaid || next == SubStatusCanceled
	case SubStatusPastDue:
		return next == SubStatusActive || next == SubStatusUnpaid || next == SubStatusCanceled
	case SubStatusUnpaid:
		return next == SubStatusCanceled
	default:
		return false
	}
}

// ParseSubscriptionStatus maps a provider status string onto the domain enum.
// Unknown strings pass through unchanged so that new provider states are
// stored rather than dropped.
func ParseSubscriptionStatus(status string) SubscriptionStatus {
	switch status {
	case "incomplete":
		return SubStatusIncomplete
	case "incomplete_expired":
		return SubStatusIncompleteExpired
	case "trialing":
		return SubStatusTrialing
	case "active":
		return SubStatusActive
	case "past_due":
		return SubStatusPastDue
	case "canceled":
		return SubStatusCanceled
	case "unpaid":
		return SubStatusUnpaid
	default:
		return SubscriptionStatus(status)
	}
}

// CaptureOutcome classifies the result of a manual payment capture against
// the secondary account. Transient transport failures are NOT an outcome;
// they surface as errors so that redelivery can retry without touching
// business state.
type CaptureOutcome string

const (
	CaptureSucceeded      CaptureOutcome = "succeeded"
	CaptureRequiresAction CaptureOutcome = "requires_action"
	CaptureFailed         CaptureOutcome = "failed"
)

// BillingReasonSubscriptionCreate is the invoice billing_reason value the
// primary account sets on the very first invoice of a subscription.
const BillingReasonSubscriptionCreate = "subscription_create"

// EventOutcome records how the dispatcher resolved a webhook event in the
// event archive.
type EventOutcome string

const (
	EventOutcomeProcessed EventOutcome = "processed"
	EventOutcomeSkipped   EventOutcome = "skipped"
	EventOutcomeIgnored   EventOutcome = "ignored"
	EventOutcomeFailed    EventOutcome = "failed"
)
