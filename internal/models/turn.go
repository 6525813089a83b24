package models

// TurnContext is the slice of user state the classifier sees for one turn.
type TurnContext struct {
	HasActivePlan      bool               `json:"hasActivePlan"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus"`
	OnboardingComplete bool               `json:"onboardingComplete"`
	Preferences        map[string]string  `json:"preferences,omitempty"`
	History            []HistoryMessage   `json:"-"`
	// Routine is the active routine, if any.
	Routine *Routine `json:"-"`
}
