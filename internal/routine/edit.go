package routine

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// EditResult describes what ApplyUpdate changed.
type EditResult struct {
	Matched    bool
	ActivityID string
	// Delta is the time shift in minutes applied to later activities.
	Delta int
	// Shifted counts the later activities moved by the cascade.
	Shifted int
}

// FindActivity returns the index of the first activity, in list order, whose
// description contains the fragment case-insensitively or whose scheduled
// time equals the given time. It returns -1 when nothing matches.
func FindActivity(r *models.Routine, match models.TargetMatch) int {
	fragment := strings.ToLower(strings.TrimSpace(match.TaskFragment))
	wantTime := strings.TrimSpace(match.Time)
	if c, err := ParseClock(wantTime); err == nil {
		wantTime = c.String()
	}
	for i, a := range r.Activities {
		if fragment != "" && strings.Contains(strings.ToLower(a.Description), fragment) {
			return i
		}
		if wantTime != "" && a.ScheduledTime == wantTime {
			return i
		}
	}
	return -1
}

// ApplyUpdate applies one structured edit to the routine in place.
//
// A time change moves the matched activity and shifts every activity after
// it in list order by the same number of minutes, wrapping at midnight. The
// shift is positional: collisions with untouched activities are not resolved.
// A duration change is not checked against the creation bounds. An edit whose
// target matches nothing leaves the routine unchanged and reports Matched
// false.
func ApplyUpdate(r *models.Routine, ins models.EditInstruction) (EditResult, error) {
	switch ins.Kind {
	case models.EditModify, "":
		return applyModify(r, ins)
	case models.EditAdd:
		return applyAdd(r, ins)
	case models.EditRemove:
		return applyRemove(r, ins)
	default:
		return EditResult{}, fmt.Errorf("unsupported edit kind %q", ins.Kind)
	}
}

func applyModify(r *models.Routine, ins models.EditInstruction) (EditResult, error) {
	idx := FindActivity(r, ins.TargetMatch)
	if idx < 0 {
		slog.Info("routine.ApplyUpdate: no activity matched", "routineID", r.ID, "taskFragment", ins.TargetMatch.TaskFragment, "time", ins.TargetMatch.Time)
		return EditResult{}, nil
	}
	target := &r.Activities[idx]
	res := EditResult{Matched: true, ActivityID: target.ID}

	switch ins.Change.Field {
	case models.FieldTime:
		to, err := ParseClock(ins.Change.To)
		if err != nil {
			return res, err
		}
		old, err := ParseClock(target.ScheduledTime)
		if err != nil {
			return res, fmt.Errorf("stored time of %s: %w", target.ID, err)
		}
		target.ScheduledTime = to.String()
		res.Delta = int(to) - int(old)
		for i := idx + 1; i < len(r.Activities); i++ {
			c, err := ParseClock(r.Activities[i].ScheduledTime)
			if err != nil {
				return res, fmt.Errorf("stored time of %s: %w", r.Activities[i].ID, err)
			}
			r.Activities[i].ScheduledTime = c.Add(res.Delta).String()
			res.Shifted++
		}
	case models.FieldDuration:
		d, err := parseMinutes(ins.Change.To)
		if err != nil {
			return res, err
		}
		target.Duration = d
	default:
		return res, fmt.Errorf("unsupported edit field %q", ins.Change.Field)
	}
	slog.Debug("routine.ApplyUpdate: modified activity", "routineID", r.ID, "activityID", res.ActivityID, "field", ins.Change.Field, "delta", res.Delta, "shifted", res.Shifted)
	return res, nil
}

func applyAdd(r *models.Routine, ins models.EditInstruction) (EditResult, error) {
	if ins.Activity == nil {
		return EditResult{}, fmt.Errorf("add edit without activity")
	}
	a := normalizeActivity(*ins.Activity)
	if err := ValidateActivity(&a); err != nil {
		return EditResult{}, err
	}
	r.Activities = append(r.Activities, a)
	return EditResult{Matched: true, ActivityID: a.ID}, nil
}

func applyRemove(r *models.Routine, ins models.EditInstruction) (EditResult, error) {
	idx := FindActivity(r, ins.TargetMatch)
	if idx < 0 {
		slog.Info("routine.ApplyUpdate: no activity matched for removal", "routineID", r.ID)
		return EditResult{}, nil
	}
	id := r.Activities[idx].ID
	r.Activities = append(r.Activities[:idx], r.Activities[idx+1:]...)
	return EditResult{Matched: true, ActivityID: id}, nil
}

// parseMinutes reads the leading integer of values such as "45" or "45 min".
func parseMinutes(s string) (int, error) {
	s = strings.TrimSpace(s)
	end := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
	if end == 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if end > 0 {
		s = s[:end]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return n, nil
}
