// Package flow holds the turn dispatcher: it classifies each aggregated turn,
// routes it to exactly one workflow handler and sends the single reply the
// handler produces.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/billing"
	"github.com/BTreeMap/RoutinePipe/internal/metrics"
	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/store"
)

// DefaultTrialDays is the trial granted to new users.
const DefaultTrialDays = 7

// Classifier interprets user text with a language model. Every error it
// returns is a *models.ClassificationError.
type Classifier interface {
	Classify(ctx context.Context, text string, tc models.TurnContext) (models.Intent, error)
	DraftRoutine(ctx context.Context, text string, tc models.TurnContext) (*models.RoutineDraft, error)
	AnalyzeEdit(ctx context.Context, text string, r *models.Routine) (*models.EditInstruction, error)
	ExtractReference(ctx context.Context, text string, r *models.Routine) (*models.ActivityReference, error)
	Converse(ctx context.Context, text string, tc models.TurnContext) (string, error)
}

// Sender delivers replies.
type Sender interface {
	Send(ctx context.Context, to, body string) error
	SendList(ctx context.Context, to string, list models.InteractiveList) error
}

// Reminders installs and cancels the daily reminders of a user.
type Reminders interface {
	Install(ctx context.Context, userID string, r *models.Routine) error
	Cancel(userID string) int
}

// Billing offers plans and opens checkout sessions.
type Billing interface {
	Plans() []billing.Plan
	CreateCheckout(ctx context.Context, phone string, plan billing.Plan) (string, error)
}

// TurnCanceller drops a user's buffered turn.
type TurnCanceller interface {
	Cancel(userID string) bool
}

// Outcome is what a handler wants sent back. Exactly one of Text or List is
// set.
type Outcome struct {
	Text string
	List *models.InteractiveList
}

// Opts configures a Dispatcher.
type Opts struct {
	TrialDays int
	Now       func() time.Time
	Metrics   *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithTrialDays sets the trial length of new users. Zero disables the trial.
func WithTrialDays(days int) Option {
	return func(o *Opts) {
		if days >= 0 {
			o.TrialDays = days
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		if now != nil {
			o.Now = now
		}
	}
}

// WithMetrics counts routed intents.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Dispatcher routes turns to workflow handlers.
type Dispatcher struct {
	store      store.Store
	classifier Classifier
	sender     Sender
	reminders  Reminders
	billing    Billing
	turns      TurnCanceller
	opts       Opts
}

// NewDispatcher creates a Dispatcher. billing may be nil, in which case
// subscription intents answer that billing is unavailable.
func NewDispatcher(st store.Store, classifier Classifier, sender Sender, reminders Reminders, billing Billing, opts ...Option) *Dispatcher {
	cfg := Opts{TrialDays: DefaultTrialDays, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		store:      st,
		classifier: classifier,
		sender:     sender,
		reminders:  reminders,
		billing:    billing,
		opts:       cfg,
	}
}

// SetTurnCanceller lets delete-all-data drop a turn still buffered for the
// user. The aggregator is created after the dispatcher, hence the setter.
func (d *Dispatcher) SetTurnCanceller(c TurnCanceller) {
	d.turns = c
}

// LoadUser finds the user or creates it with a trial subscription.
func (d *Dispatcher) LoadUser(ctx context.Context, userID string) (*models.User, error) {
	now := d.opts.Now()
	template := &models.User{
		Phone:              userID,
		SubscriptionStatus: models.SubscriptionTrial,
		LastActive:         now,
		CreatedAt:          now,
	}
	if d.opts.TrialDays > 0 {
		ends := now.AddDate(0, 0, d.opts.TrialDays)
		template.SubscriptionEndsAt = &ends
	} else {
		template.SubscriptionStatus = models.SubscriptionInactive
	}
	u, created, err := d.store.FindOrCreateUser(ctx, template)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("Dispatcher.LoadUser: new user", "userID", userID, "trialDays", d.opts.TrialDays)
	}
	return u, nil
}

// turn carries what handlers need about the current turn.
type turn struct {
	user    *models.User
	text    string
	tc      models.TurnContext
	routine *models.Routine
	// activityID is set when the turn was a follow-up reply token.
	activityID string
}

// HandleTurn processes one aggregated turn and sends exactly one reply.
// Classification and workflow failures are answered with an apology and
// are not returned; only failures to load state are.
func (d *Dispatcher) HandleTurn(ctx context.Context, user *models.User, text string) error {
	now := d.opts.Now()
	in := models.HistoryMessage{Role: models.RoleUser, Content: text, Timestamp: now}
	if err := d.store.AppendHistory(ctx, user.Phone, in); err != nil {
		slog.Error("Dispatcher.HandleTurn: failed to append history", "userID", user.Phone, "error", err)
	}
	user.History = append(user.History, in)
	user.LastActive = now
	if err := d.store.TouchLastActive(ctx, user.Phone, now); err != nil {
		slog.Error("Dispatcher.HandleTurn: failed to touch user", "userID", user.Phone, "error", err)
	}

	t, err := d.newTurn(ctx, user, text)
	if err != nil {
		return err
	}

	intent, direct := d.directIntent(&t)
	if !direct {
		intent, err = d.classifier.Classify(ctx, text, t.tc)
		if err != nil {
			var ce *models.ClassificationError
			if !errors.As(err, &ce) {
				ce = &models.ClassificationError{Op: "classify", Err: err}
			}
			slog.Error("Dispatcher.HandleTurn: classification failed", "userID", user.Phone, "error", ce)
			d.deliver(ctx, user, Outcome{Text: textClassifierApology}, true)
			return nil
		}
	}
	slog.Info("Dispatcher.HandleTurn: routing turn", "userID", user.Phone, "intent", intent, "direct", direct)
	d.opts.Metrics.IntentRouted(string(intent))

	out, err := d.route(ctx, intent, &t)
	if err != nil {
		werr := &models.WorkflowError{Intent: intent, Err: err}
		slog.Error("Dispatcher.HandleTurn: workflow failed", "userID", user.Phone, "error", werr)
		out = Outcome{Text: textWorkflowApology}
	}
	// delete-all-data leaves no user to record history for
	d.deliver(ctx, user, out, intent != models.IntentDeleteAllData)
	return nil
}

func (d *Dispatcher) newTurn(ctx context.Context, user *models.User, text string) (turn, error) {
	t := turn{user: user, text: text}
	if user.HasActiveRoutine() {
		r, err := d.store.GetRoutine(ctx, user.ActiveRoutineID)
		if err != nil {
			return t, err
		}
		t.routine = r
	}
	t.tc = models.TurnContext{
		HasActivePlan:      t.routine != nil,
		SubscriptionStatus: user.SubscriptionStatus,
		OnboardingComplete: user.WelcomeSent,
		Preferences:        user.Preferences,
		History:            user.History,
		Routine:            t.routine,
	}
	return t, nil
}

// route is the exhaustive intent switch.
func (d *Dispatcher) route(ctx context.Context, intent models.Intent, t *turn) (Outcome, error) {
	switch intent {
	case models.IntentInitialContact:
		return d.initialContact(ctx, t)
	case models.IntentCreatePlan:
		return d.createPlan(ctx, t)
	case models.IntentConfirmPlan:
		return d.confirmPlan(ctx, t)
	case models.IntentUpdatePlan:
		return d.updatePlan(ctx, t)
	case models.IntentShowPlan:
		return d.showPlan(ctx, t)
	case models.IntentActivityCompleted:
		return d.markActivity(ctx, t, models.ActivityCompleted)
	case models.IntentActivityNotCompleted:
		return d.markActivity(ctx, t, models.ActivitySkipped)
	case models.IntentSubscriptionInquiry:
		return d.subscriptionInquiry(ctx, t, "")
	case models.IntentSelectSubscriptionPlan:
		return d.selectPlan(ctx, t)
	case models.IntentGoodbye:
		return Outcome{Text: textGoodbye}, nil
	case models.IntentDeleteAllData:
		return d.deleteAllData(ctx, t)
	case models.IntentGeneralConversation:
		return d.converse(ctx, t)
	default:
		return d.converse(ctx, t)
	}
}

// deliver sends the outcome and records it in history. Delivery failures are
// logged and not retried.
func (d *Dispatcher) deliver(ctx context.Context, user *models.User, out Outcome, record bool) {
	var (
		err     error
		content string
	)
	if out.List != nil {
		content = out.List.Body
		err = d.sender.SendList(ctx, user.Phone, *out.List)
	} else {
		content = out.Text
		err = d.sender.Send(ctx, user.Phone, out.Text)
	}
	if err != nil {
		slog.Error("Dispatcher.deliver: reply not delivered", "userID", user.Phone, "error", err)
	}
	if !record {
		return
	}
	msg := models.HistoryMessage{Role: models.RoleAssistant, Content: content, Timestamp: d.opts.Now()}
	if err := d.store.AppendHistory(ctx, user.Phone, msg); err != nil {
		slog.Error("Dispatcher.deliver: failed to append history", "userID", user.Phone, "error", err)
	}
	user.History = append(user.History, msg)
}
