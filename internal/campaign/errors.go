package campaign

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrCampaignNotFound     = fmt.Errorf("campaign %w", ErrNotFound)
	ErrStepNotFound         = fmt.Errorf("step %w", ErrNotFound)
	ErrLeadNotFound         = fmt.Errorf("lead %w", ErrNotFound)
	ErrSubscriptionNotFound = fmt.Errorf("subscription %w", ErrNotFound)

	ErrNoSteps               = errors.New("campaign has no steps")
	ErrCampaignInactive      = errors.New("campaign is not active")
	ErrAlreadyEnrolled       = errors.New("lead already enrolled in campaign")
	ErrSubscriptionNotActive = errors.New("subscription is not active")
	ErrInvalidTransition     = errors.New("invalid subscription status transition")
	ErrInvalidSendTime       = errors.New("preferred send time must be HH:MM")

	// ErrConcurrentAdvance means another actor holds or already used the
	// claim for this subscription. The sweep skips such items silently.
	ErrConcurrentAdvance = errors.New("subscription advanced concurrently")

	// ErrStaleData marks a subscription whose lead disappeared.
	ErrStaleData = errors.New("lead no longer exists")

	ErrDelivery = errors.New("delivery failed")
)

// DeliveryError wraps a provider failure (including timeouts) for one step.
type DeliveryError struct {
	SubscriptionID int64
	StepOrder      int
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of step %d for subscription %d failed: %v", e.StepOrder, e.SubscriptionID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }
