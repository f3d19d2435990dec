package models

import "time"

const (
	SubscriptionFree     = "free"
	SubscriptionActive   = "active"
	SubscriptionCanceled = "canceled"
)

// Subscription tracks a fixed token quota for one billing period.
// tokens_used may transiently exceed tokens_allocated when a request was
// admitted with quota remaining and then consumed more than was left;
// remaining is clamped to zero when read, never stored negative-remaining.
type Subscription struct {
	ID              int64      `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	ProviderSubID   string     `json:"provider_sub_id" db:"provider_sub_id"`
	Status          string     `json:"status" db:"status"`
	TokensAllocated int64      `json:"tokens_allocated" db:"tokens_allocated"`
	TokensUsed      int64      `json:"tokens_used" db:"tokens_used"`
	PeriodStart     time.Time  `json:"period_start" db:"period_start"`
	PeriodEnd       time.Time  `json:"period_end" db:"period_end"`
	CanceledAt      *time.Time `json:"canceled_at,omitempty" db:"canceled_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// Remaining clamps to zero so callers never see a negative quota.
func (s *Subscription) Remaining() int64 {
	if r := s.TokensAllocated - s.TokensUsed; r > 0 {
		return r
	}
	return 0
}
