package routine

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Bounds on activity duration, enforced when a routine is created.
const (
	MinDuration = 5
	MaxDuration = 240
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("clock", validateClock); err != nil {
		panic(fmt.Sprintf("register clock validator: %v", err))
	}
	return v
}

func validateClock(fl validator.FieldLevel) bool {
	_, err := ParseClock(fl.Field().String())
	return err == nil
}

// Validate checks a routine against the creation-time invariants.
func Validate(r *models.Routine) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid routine: %w", err)
	}
	return nil
}

// ValidateActivity checks a single activity.
func ValidateActivity(a *models.Activity) error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("invalid activity: %w", err)
	}
	return nil
}

// FromDraft turns a classifier draft into a new unconfirmed routine owned by
// phone. Every activity gets a fresh id, an active status, a zero-padded
// time, and a known category. The result is validated.
func FromDraft(phone string, draft *models.RoutineDraft, now time.Time) (*models.Routine, error) {
	if draft == nil {
		return nil, fmt.Errorf("empty routine draft")
	}
	r := &models.Routine{
		ID:         uuid.NewString(),
		UserPhone:  phone,
		Name:       strings.TrimSpace(draft.Name),
		Activities: make([]models.Activity, 0, len(draft.Activities)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, a := range draft.Activities {
		r.Activities = append(r.Activities, normalizeActivity(a))
	}
	if err := Validate(r); err != nil {
		return nil, err
	}
	return r, nil
}

func normalizeActivity(a models.Activity) models.Activity {
	a.ID = uuid.NewString()
	a.Description = strings.TrimSpace(a.Description)
	a.Status = models.ActivityActive
	a.Category = ParseCategory(string(a.Category))
	if c, err := ParseClock(a.ScheduledTime); err == nil {
		a.ScheduledTime = c.String()
	}
	return a
}

var categoryAliases = map[string]models.Category{
	"exercise":    models.CategoryExercise,
	"exercicio":   models.CategoryExercise,
	"exercício":   models.CategoryExercise,
	"workout":     models.CategoryExercise,
	"work":        models.CategoryWork,
	"trabalho":    models.CategoryWork,
	"study":       models.CategoryStudy,
	"estudo":      models.CategoryStudy,
	"meal":        models.CategoryMeal,
	"refeicao":    models.CategoryMeal,
	"refeição":    models.CategoryMeal,
	"alimentacao": models.CategoryMeal,
	"rest":        models.CategoryRest,
	"sleep":       models.CategoryRest,
	"descanso":    models.CategoryRest,
	"sono":        models.CategoryRest,
	"leisure":     models.CategoryLeisure,
	"lazer":       models.CategoryLeisure,
	"selfcare":    models.CategorySelfCare,
	"self-care":   models.CategorySelfCare,
	"autocuidado": models.CategorySelfCare,
}

// ParseCategory maps a free-form category name to a known category, falling
// back to CategoryGeneral.
func ParseCategory(s string) models.Category {
	if c, ok := categoryAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return c
	}
	return models.CategoryGeneral
}
