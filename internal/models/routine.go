package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ActivityStatus tracks whether an activity was done today.
type ActivityStatus string

const (
	ActivityActive    ActivityStatus = "active"
	ActivityCompleted ActivityStatus = "completed"
	ActivitySkipped   ActivityStatus = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s ActivityStatus) Terminal() bool {
	return s == ActivityCompleted || s == ActivitySkipped
}

// ReminderSlot names one of the five daily triggers of an activity.
type ReminderSlot string

const (
	SlotBefore   ReminderSlot = "before"
	SlotStart    ReminderSlot = "start"
	SlotDuring   ReminderSlot = "during"
	SlotEnd      ReminderSlot = "end"
	SlotFollowUp ReminderSlot = "followUp"
)

// ReminderSlots lists the slots in firing order.
var ReminderSlots = []ReminderSlot{SlotBefore, SlotStart, SlotDuring, SlotEnd, SlotFollowUp}

// Category groups activities for default reminder texts.
type Category string

const (
	CategoryExercise Category = "exercise"
	CategoryWork     Category = "work"
	CategoryStudy    Category = "study"
	CategoryMeal     Category = "meal"
	CategoryRest     Category = "rest"
	CategoryLeisure  Category = "leisure"
	CategorySelfCare Category = "selfcare"
	CategoryGeneral  Category = "general"
)

// Activity is one time-boxed item of a routine. ID is stable across edits.
type Activity struct {
	ID            string                    `json:"id"`
	Description   string                    `json:"description" validate:"required"`
	ScheduledTime string                    `json:"scheduledTime" validate:"required,clock"`
	Duration      int                       `json:"duration" validate:"min=5,max=240"`
	Category      Category                  `json:"category,omitempty"`
	Status        ActivityStatus            `json:"status"`
	Messages      map[ReminderSlot][]string `json:"messages,omitempty"`
}

// Routine is a user's daily plan. Activities keep their list order; edits
// cascade by list position.
type Routine struct {
	ID         string     `json:"id"`
	UserPhone  string     `json:"user_phone"`
	Name       string     `json:"routineName" validate:"required"`
	Activities []Activity `json:"activities" validate:"required,min=1,dive"`
	Confirmed  bool       `json:"confirmed"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Activity returns a pointer to the activity with the given id, or nil.
func (r *Routine) Activity(id string) *Activity {
	for i := range r.Activities {
		if r.Activities[i].ID == id {
			return &r.Activities[i]
		}
	}
	return nil
}

// RoutineDraft is what the classifier proposes for a new routine.
type RoutineDraft struct {
	Name       string     `json:"routineName"`
	Activities []Activity `json:"activities"`
}

// EditKind is the kind of a structured routine edit.
type EditKind string

const (
	EditModify EditKind = "modify"
	EditAdd    EditKind = "add"
	EditRemove EditKind = "remove"
)

// EditField is the activity field a modify edit changes.
type EditField string

const (
	FieldTime     EditField = "time"
	FieldDuration EditField = "duration"
)

// TargetMatch selects the activity an edit applies to.
type TargetMatch struct {
	TaskFragment string `json:"taskFragment,omitempty"`
	Time         string `json:"time,omitempty"`
}

// EditChange is the change requested by a modify edit.
type EditChange struct {
	Field EditField `json:"field"`
	To    string    `json:"to"`
}

// UnmarshalJSON accepts "to" as a string or a bare number, since durations
// come back from the model as {"to": 45}.
func (c *EditChange) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field EditField       `json:"field"`
		To    json.RawMessage `json:"to"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Field = raw.Field
	c.To = ""
	if len(raw.To) == 0 || string(raw.To) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw.To, &c.To); err == nil {
		return nil
	}
	var n float64
	if err := json.Unmarshal(raw.To, &n); err != nil {
		return fmt.Errorf("edit change \"to\" must be a string or number: %s", raw.To)
	}
	c.To = strconv.FormatFloat(n, 'f', -1, 64)
	return nil
}

// EditInstruction is the classifier's structured reading of an edit request.
// Activity is only used by add edits.
type EditInstruction struct {
	Kind        EditKind    `json:"kind"`
	TargetMatch TargetMatch `json:"targetMatch"`
	Change      EditChange  `json:"change"`
	Activity    *Activity   `json:"activity,omitempty"`
}

// ActivityReference is the classifier's pointer to an activity mentioned in text.
type ActivityReference struct {
	ActivityID string `json:"activityId,omitempty"`
}
