package models

import "time"

// SubscriptionStatus is the billing state of a user.
type SubscriptionStatus string

const (
	SubscriptionTrial    SubscriptionStatus = "trial"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// Role identifies who authored a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryMessage is one entry of a user's conversation history.
type HistoryMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// User is a person talking to the assistant, keyed by their canonical
// messaging address.
type User struct {
	Phone              string             `json:"phone"`
	Name               string             `json:"name,omitempty"`
	ActiveRoutineID    string             `json:"active_routine_id,omitempty"`
	WelcomeSent        bool               `json:"welcome_sent"`
	LastActive         time.Time          `json:"last_active"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	SubscriptionPlan   string             `json:"subscription_plan,omitempty"`
	SubscriptionEndsAt *time.Time         `json:"subscription_ends_at,omitempty"`
	Preferences        map[string]string  `json:"preferences,omitempty"`
	History            []HistoryMessage   `json:"history,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// HasActiveRoutine reports whether the user references a routine.
func (u *User) HasActiveRoutine() bool {
	return u.ActiveRoutineID != ""
}

// Entitled reports whether the user may use gated workflows at now. An expired
// trial or subscription is not entitled.
func (u *User) Entitled(now time.Time) bool {
	switch u.SubscriptionStatus {
	case SubscriptionTrial, SubscriptionActive:
		return u.SubscriptionEndsAt == nil || now.Before(*u.SubscriptionEndsAt)
	default:
		return false
	}
}
