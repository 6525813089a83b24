package routine

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

var statusMarks = map[models.ActivityStatus]string{
	models.ActivityActive:    "⏳",
	models.ActivityCompleted: "✅",
	models.ActivitySkipped:   "❌",
}

// Render formats a routine as a WhatsApp message, one activity per line in
// list order.
func Render(r *models.Routine) string {
	var b strings.Builder
	name := r.Name
	if name == "" {
		name = "Sua rotina"
	}
	fmt.Fprintf(&b, "📋 *%s*\n", name)
	for _, a := range r.Activities {
		mark := statusMarks[a.Status]
		if mark == "" {
			mark = statusMarks[models.ActivityActive]
		}
		fmt.Fprintf(&b, "\n%s %s - %s (%d min)", mark, a.ScheduledTime, a.Description, a.Duration)
	}
	return b.String()
}
