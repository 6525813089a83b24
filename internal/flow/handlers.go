package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/RoutinePipe/internal/billing"
	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/reminder"
	"github.com/BTreeMap/RoutinePipe/internal/routine"
	"github.com/BTreeMap/RoutinePipe/internal/store"
)

// directIntent recognizes interactive reply tokens, which are routed without
// asking the classifier.
func (d *Dispatcher) directIntent(t *turn) (models.Intent, bool) {
	if id, done, ok := reminder.ParseReplyToken(t.text); ok {
		t.activityID = id
		if done {
			return models.IntentActivityCompleted, true
		}
		return models.IntentActivityNotCompleted, true
	}
	if d.billing != nil && strings.HasPrefix(strings.TrimSpace(t.text), billing.PlanOptionPrefix) {
		if billing.MatchPlan(d.billing.Plans(), t.text) != nil {
			return models.IntentSelectSubscriptionPlan, true
		}
	}
	return "", false
}

func (d *Dispatcher) initialContact(ctx context.Context, t *turn) (Outcome, error) {
	if t.user.WelcomeSent {
		return Outcome{Text: textWelcomeBack}, nil
	}
	t.user.WelcomeSent = true
	if err := d.store.MarkWelcomeSent(ctx, t.user.Phone); err != nil {
		return Outcome{}, fmt.Errorf("save welcome flag: %w", err)
	}
	return Outcome{Text: textWelcome}, nil
}

func (d *Dispatcher) createPlan(ctx context.Context, t *turn) (Outcome, error) {
	if !t.user.Entitled(d.opts.Now()) {
		return d.subscriptionInquiry(ctx, t, textTrialEnded)
	}
	draft, err := d.classifier.DraftRoutine(ctx, t.text, t.tc)
	if err != nil {
		return Outcome{}, err
	}
	r, err := routine.FromDraft(t.user.Phone, draft, d.opts.Now())
	if err != nil {
		slog.Warn("Dispatcher.createPlan: draft rejected", "userID", t.user.Phone, "error", err)
		return Outcome{Text: textInvalidDraft}, nil
	}
	if err := d.store.SaveRoutine(ctx, r); err != nil {
		return Outcome{}, fmt.Errorf("save routine: %w", err)
	}
	if t.routine != nil {
		// the replaced routine's reminders must not outlive it
		d.reminders.Cancel(t.user.Phone)
	}
	t.user.ActiveRoutineID = r.ID
	if err := d.store.SetActiveRoutine(ctx, t.user.Phone, r.ID); err != nil {
		return Outcome{}, fmt.Errorf("set active routine: %w", err)
	}
	t.routine = r
	slog.Info("Dispatcher.createPlan: routine drafted", "userID", t.user.Phone, "routineID", r.ID, "activities", len(r.Activities))
	return Outcome{Text: routine.Render(r) + "\n\n" + textConfirmPrompt}, nil
}

func (d *Dispatcher) confirmPlan(ctx context.Context, t *turn) (Outcome, error) {
	r := t.routine
	if r == nil {
		return Outcome{Text: textNoPlan}, nil
	}
	r.Confirmed = true
	r.UpdatedAt = d.opts.Now()
	if err := d.store.SaveRoutine(ctx, r); err != nil {
		return Outcome{}, fmt.Errorf("confirm routine: %w", err)
	}
	if err := d.reminders.Install(ctx, t.user.Phone, r); err != nil {
		return Outcome{}, fmt.Errorf("install reminders: %w", err)
	}
	return Outcome{Text: fmt.Sprintf(textConfirmed, len(r.Activities)*len(models.ReminderSlots))}, nil
}

func (d *Dispatcher) updatePlan(ctx context.Context, t *turn) (Outcome, error) {
	if !t.user.Entitled(d.opts.Now()) {
		return d.subscriptionInquiry(ctx, t, textTrialEnded)
	}
	r := t.routine
	if r == nil {
		return Outcome{Text: textNoPlan}, nil
	}
	ins, err := d.classifier.AnalyzeEdit(ctx, t.text, r)
	if err != nil {
		return Outcome{}, err
	}
	res, err := routine.ApplyUpdate(r, *ins)
	if err != nil {
		slog.Warn("Dispatcher.updatePlan: edit rejected", "userID", t.user.Phone, "error", err)
		return Outcome{Text: textEditInvalid}, nil
	}
	if !res.Matched {
		return Outcome{Text: textEditNoMatch}, nil
	}
	r.UpdatedAt = d.opts.Now()
	if err := d.store.SaveRoutine(ctx, r); err != nil {
		return Outcome{}, fmt.Errorf("save edited routine: %w", err)
	}
	if err := d.reminders.Install(ctx, t.user.Phone, r); err != nil {
		return Outcome{}, fmt.Errorf("reinstall reminders: %w", err)
	}
	slog.Info("Dispatcher.updatePlan: routine edited", "userID", t.user.Phone, "activityID", res.ActivityID, "delta", res.Delta, "shifted", res.Shifted)
	return Outcome{Text: textUpdated + "\n\n" + routine.Render(r)}, nil
}

func (d *Dispatcher) showPlan(ctx context.Context, t *turn) (Outcome, error) {
	if t.routine == nil {
		return Outcome{Text: textNoPlan}, nil
	}
	text := routine.Render(t.routine)
	if !t.routine.Confirmed {
		text += "\n\n" + textUnconfirmed
	}
	return Outcome{Text: text}, nil
}

func (d *Dispatcher) markActivity(ctx context.Context, t *turn, status models.ActivityStatus) (Outcome, error) {
	r := t.routine
	if r == nil {
		return Outcome{Text: textNoPlan}, nil
	}
	id, err := d.resolveActivity(ctx, t)
	if err != nil {
		return Outcome{}, err
	}
	a := r.Activity(id)
	if a == nil {
		return Outcome{Text: whichActivity(r)}, nil
	}

	prev, err := d.store.UpdateActivityStatus(ctx, r.ID, id, status)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Text: whichActivity(r)}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("update activity status: %w", err)
	}
	if prev.Terminal() {
		label := textStatusDone
		if prev == models.ActivitySkipped {
			label = textStatusSkipped
		}
		return Outcome{Text: fmt.Sprintf(textAlreadyMarked, a.Description, label)}, nil
	}
	a.Status = status
	slog.Info("Dispatcher.markActivity: status updated", "userID", t.user.Phone, "activityID", id, "status", status)
	if status == models.ActivityCompleted {
		return Outcome{Text: fmt.Sprintf(textActivityDone, a.Description)}, nil
	}
	return Outcome{Text: fmt.Sprintf(textActivitySkip, a.Description)}, nil
}

// resolveActivity finds the activity a turn talks about: the reply token
// first, then the classifier's reference, then a description match.
func (d *Dispatcher) resolveActivity(ctx context.Context, t *turn) (string, error) {
	if t.activityID != "" {
		return t.activityID, nil
	}
	ref, err := d.classifier.ExtractReference(ctx, t.text, t.routine)
	if err != nil {
		return "", err
	}
	if ref != nil && t.routine.Activity(ref.ActivityID) != nil {
		return ref.ActivityID, nil
	}
	text := strings.ToLower(t.text)
	for _, a := range t.routine.Activities {
		if a.Description != "" && strings.Contains(text, strings.ToLower(a.Description)) {
			return a.ID, nil
		}
	}
	return "", nil
}

func whichActivity(r *models.Routine) string {
	var b strings.Builder
	b.WriteString(textWhichActivity)
	for _, a := range r.Activities {
		fmt.Fprintf(&b, "\n• %s %s", a.ScheduledTime, a.Description)
	}
	return b.String()
}

// subscriptionInquiry lists the plans. intro replaces the default heading.
func (d *Dispatcher) subscriptionInquiry(ctx context.Context, t *turn, intro string) (Outcome, error) {
	if d.billing == nil || len(d.billing.Plans()) == 0 {
		return Outcome{Text: textBillingOffline}, nil
	}
	body := intro
	if body == "" {
		body = textPlansIntro
		if ends := t.user.SubscriptionEndsAt; ends != nil && t.user.Entitled(d.opts.Now()) {
			status := textPlansStatus
			if t.user.SubscriptionStatus == models.SubscriptionTrial {
				status = textTrialStatus
			}
			body = fmt.Sprintf(status, ends.Format("02/01/2006")) + "\n\n" + body
		}
	}
	list := &models.InteractiveList{
		Title:      textPlansTitle,
		Body:       body,
		ButtonText: textPlansButton,
	}
	for _, p := range d.billing.Plans() {
		list.Options = append(list.Options, models.ListOption{ID: p.OptionID(), Title: p.Name, Description: p.PriceLabel()})
	}
	return Outcome{List: list}, nil
}

func (d *Dispatcher) selectPlan(ctx context.Context, t *turn) (Outcome, error) {
	if d.billing == nil {
		return Outcome{Text: textBillingOffline}, nil
	}
	plan := billing.MatchPlan(d.billing.Plans(), t.text)
	if plan == nil {
		return d.subscriptionInquiry(ctx, t, "")
	}
	url, err := d.billing.CreateCheckout(ctx, t.user.Phone, *plan)
	if errors.Is(err, billing.ErrNotConfigured) {
		return Outcome{Text: textBillingOffline}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Text: fmt.Sprintf(textCheckout, plan.Name, plan.PriceLabel(), url)}, nil
}

// deleteAllData removes everything about the user. Reminders and the pending
// turn go first so nothing fires for a user that no longer exists.
func (d *Dispatcher) deleteAllData(ctx context.Context, t *turn) (Outcome, error) {
	phone := t.user.Phone
	removed := d.reminders.Cancel(phone)
	if d.turns != nil {
		d.turns.Cancel(phone)
	}
	if err := d.store.DeleteRoutinesByUser(ctx, phone); err != nil {
		return Outcome{}, fmt.Errorf("delete routines: %w", err)
	}
	if err := d.store.DeleteUser(ctx, phone); err != nil {
		return Outcome{}, fmt.Errorf("delete user: %w", err)
	}
	slog.Info("Dispatcher.deleteAllData: user data deleted", "userID", phone, "reminders", removed)
	return Outcome{Text: textDeleted}, nil
}

func (d *Dispatcher) converse(ctx context.Context, t *turn) (Outcome, error) {
	reply, err := d.classifier.Converse(ctx, t.text, t.tc)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Text: reply}, nil
}
