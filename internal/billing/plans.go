package billing

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PlanOptionPrefix prefixes plan ids in interactive list options.
const PlanOptionPrefix = "plan:"

// Plan is a purchasable subscription. PriceID is the Stripe price id, Amount
// is in centavos, and Days is how long one payment keeps the subscription
// active.
type Plan struct {
	ID       string   `yaml:"id" validate:"required,excludesall=:"`
	Name     string   `yaml:"name" validate:"required"`
	PriceID  string   `yaml:"price_id"`
	Amount   int64    `yaml:"amount" validate:"gt=0"`
	Interval string   `yaml:"interval" validate:"required"`
	Days     int      `yaml:"days" validate:"gt=0"`
	Keywords []string `yaml:"keywords"`
}

// plansFile is the document read by LoadPlans.
type plansFile struct {
	Plans []Plan `yaml:"plans" validate:"required,min=1,dive"`
}

// LoadPlans reads the plan catalogue from a YAML file:
//
//	plans:
//	  - id: monthly
//	    name: Mensal
//	    price_id: price_123
//	    amount: 1990
//	    interval: mês
//	    days: 31
//	    keywords: [mensal, mes]
func LoadPlans(path string) ([]Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	return ParsePlans(data)
}

// ParsePlans decodes and validates a YAML plan catalogue. Plan ids must be
// unique.
func ParsePlans(data []byte) ([]Plan, error) {
	var f plansFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid plans: %w", err)
	}
	seen := make(map[string]bool, len(f.Plans))
	for i := range f.Plans {
		p := &f.Plans[i]
		p.ID = strings.ToLower(p.ID)
		if seen[p.ID] {
			return nil, fmt.Errorf("invalid plans: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
		for j, k := range p.Keywords {
			p.Keywords[j] = strings.ToLower(k)
		}
	}
	return f.Plans, nil
}

// PriceLabel formats the plan price in Brazilian reais, e.g. "R$ 19,90/mês".
func (p Plan) PriceLabel() string {
	return fmt.Sprintf("R$ %d,%02d/%s", p.Amount/100, p.Amount%100, p.Interval)
}

// OptionID is the interactive list option id of the plan.
func (p Plan) OptionID() string {
	return PlanOptionPrefix + p.ID
}

// DefaultPlans returns the monthly and annual plans bound to the given
// Stripe price ids.
func DefaultPlans(monthlyPriceID, annualPriceID string) []Plan {
	return []Plan{
		{
			ID:       "monthly",
			Name:     "Mensal",
			PriceID:  monthlyPriceID,
			Amount:   1990,
			Interval: "mês",
			Days:     31,
			Keywords: []string{"mensal", "mês", "mes", "monthly"},
		},
		{
			ID:       "annual",
			Name:     "Anual",
			PriceID:  annualPriceID,
			Amount:   19990,
			Interval: "ano",
			Days:     366,
			Keywords: []string{"anual", "ano", "annual", "yearly"},
		},
	}
}

// MatchPlan finds the plan a user picked. It accepts a plan option id, a
// 1-based position, the plan name or one of its keywords. It returns nil when
// the text names no plan or more than one.
func MatchPlan(plans []Plan, text string) *Plan {
	norm := strings.ToLower(strings.TrimSpace(text))
	if norm == "" {
		return nil
	}
	for i := range plans {
		if norm == plans[i].OptionID() || norm == plans[i].ID || norm == fmt.Sprint(i+1) {
			return &plans[i]
		}
	}
	var found *Plan
	for i := range plans {
		if plans[i].mentionedIn(norm) {
			if found != nil {
				return nil
			}
			found = &plans[i]
		}
	}
	return found
}

func (p *Plan) mentionedIn(text string) bool {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r < 0x80
	})
	for _, w := range words {
		if w == strings.ToLower(p.Name) {
			return true
		}
		for _, k := range p.Keywords {
			if w == k {
				return true
			}
		}
	}
	return false
}
