package models

import "strings"

// Intent is the closed set of turn categories the classifier may return.
type Intent string

const (
	IntentInitialContact         Intent = "initial_contact"
	IntentCreatePlan             Intent = "create_plan"
	IntentUpdatePlan             Intent = "update_plan"
	IntentShowPlan               Intent = "show_plan"
	IntentActivityCompleted      Intent = "activity_completed"
	IntentActivityNotCompleted   Intent = "activity_not_completed"
	IntentConfirmPlan            Intent = "confirm_plan"
	IntentSubscriptionInquiry    Intent = "subscription_inquiry"
	IntentSelectSubscriptionPlan Intent = "select_subscription_plan"
	IntentGoodbye                Intent = "goodbye"
	IntentDeleteAllData          Intent = "delete_all_data"
	// IntentGeneralConversation is the fallback for anything else.
	IntentGeneralConversation Intent = "general_conversation"
)

// AllIntents lists every intent, fallback last.
var AllIntents = []Intent{
	IntentInitialContact,
	IntentCreatePlan,
	IntentUpdatePlan,
	IntentShowPlan,
	IntentActivityCompleted,
	IntentActivityNotCompleted,
	IntentConfirmPlan,
	IntentSubscriptionInquiry,
	IntentSelectSubscriptionPlan,
	IntentGoodbye,
	IntentDeleteAllData,
	IntentGeneralConversation,
}

// ParseIntent maps a raw classifier label onto an Intent. Labels are matched
// case-insensitively, hyphens and spaces count as underscores, and anything
// unrecognized becomes IntentGeneralConversation.
func ParseIntent(label string) Intent {
	norm := strings.ToLower(strings.TrimSpace(label))
	norm = strings.Trim(norm, "\"'`.")
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	for _, in := range AllIntents {
		if string(in) == norm {
			return in
		}
	}
	return IntentGeneralConversation
}
