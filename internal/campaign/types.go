package campaign

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
)

type EventType string

const (
	EventSent      EventType = "sent"
	EventOpened    EventType = "opened"
	EventClicked   EventType = "clicked"
	EventConverted EventType = "converted"
)

func (t EventType) Valid() bool {
	switch t {
	case EventSent, EventOpened, EventClicked, EventConverted:
		return true
	}
	return false
}

type Campaign struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Active            bool      `json:"active"`
	PreferredSendTime string    `json:"preferred_send_time,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Steps             []Step    `json:"steps"`
}

type Step struct {
	ID         int64  `json:"id"`
	CampaignID int64  `json:"campaign_id"`
	Order      int    `json:"order"`
	DelayDays  int    `json:"delay_days"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

// Subscription is one lead's enrollment in one campaign. CurrentStepIndex
// counts dispatched steps; NextRunAt is set only while the subscription is
// active and a step at CurrentStepIndex+1 exists.
type Subscription struct {
	ID               int64      `json:"id"`
	CampaignID       int64      `json:"campaign_id"`
	LeadID           int64      `json:"lead_id"`
	Status           Status     `json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	NextRunAt        *time.Time `json:"next_run_at"`
	CreatedAt        time.Time  `json:"created_at"`
	LastEmailSentAt  *time.Time `json:"last_email_sent_at"`
	LastError        string     `json:"last_error,omitempty"`
}

type Lead struct {
	ID              int64
	InvestorName    string
	InvestorEmail   string
	PropertyAddress string
	DealType        string
}

type Event struct {
	ID             int64           `json:"id,omitempty"`
	CampaignID     int64           `json:"campaign_id"`
	StepID         int64           `json:"step_id"`
	StepOrder      int             `json:"step_order"`
	LeadID         int64           `json:"lead_id"`
	SubscriptionID int64           `json:"subscription_id,omitempty"`
	Type           EventType       `json:"type"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
	Sent      int `json:"sent"`
}

type StepInput struct {
	DelayDays int    `json:"delay_days" binding:"min=0"`
	Subject   string `json:"subject"    binding:"required"`
	Body      string `json:"body"       binding:"required"`
}

type CreateCampaignReq struct {
	Name              string      `json:"name"                binding:"required"`
	Active            *bool       `json:"active"`
	PreferredSendTime string      `json:"preferred_send_time"`
	Steps             []StepInput `json:"steps"               binding:"dive"`
}

type CreateCampaignResp struct {
	ID int64 `json:"id"`
}

type UpdateCampaignReq struct {
	Name              *string `json:"name"`
	Active            *bool   `json:"active"`
	PreferredSendTime *string `json:"preferred_send_time"`
}

type ReplaceStepsReq struct {
	Steps []StepInput `json:"steps" binding:"dive"`
}

type CampaignDetails struct {
	Campaign
	Stats Stats `json:"stats"`
}

type EnrollReq struct {
	LeadID int64 `json:"lead_id" binding:"required,gt=0"`
}

type TriggerReq struct {
	StepOrder *int `json:"step_order" binding:"omitempty,min=1"`
}

type TriggerResp struct {
	SubscriptionID    int64  `json:"subscription_id"`
	StepOrder         int    `json:"step_order"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Status            Status `json:"status"`
	CurrentStepIndex  int    `json:"current_step_index"`
}
