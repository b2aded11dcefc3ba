package orderstate

import (
	"strings"

	"brokerlink/internal/domain"
)

// MapStatus translates a gateway status string into the canonical status.
// It returns false for statuses with no canonical counterpart.
func MapStatus(vendor string) (domain.OrderStatus, bool) {
	switch strings.ToLower(vendor) {
	case "submitted":
		return domain.OrderStatusOpen, true
	case "pendingsubmit", "pendingcancel", "presubmitted":
		return domain.OrderStatusHeld, true
	case "cancelled", "apicancelled":
		return domain.OrderStatusCancelled, true
	case "filled":
		return domain.OrderStatusFilled, true
	case "inactive":
		return domain.OrderStatusRejected, true
	default:
		return "", false
	}
}

// advance merges next into cur without ever leaving a terminal state.
func advance(cur, next domain.OrderStatus) domain.OrderStatus {
	if cur.Terminal() || next == "" {
		return cur
	}
	return next
}
