package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/openai/openai-go"
)

// historyWindow is how many past messages accompany a classification.
const historyWindow = 10

const classifySystemPrompt = `You classify WhatsApp messages sent to a personal routine assistant for Brazilian users.
Answer with a JSON object {"intent": "<label>"} where <label> is exactly one of:
%s.
Guidance:
- initial_contact: greetings from someone who has not been welcomed yet.
- create_plan: the user describes their day or asks for a new routine.
- update_plan: the user wants to change times, durations, add or remove activities of the existing routine.
- show_plan: the user asks to see their routine.
- confirm_plan: the user approves the routine that was just proposed.
- activity_completed / activity_not_completed: the user reports doing or not doing an activity.
- subscription_inquiry: questions about plans or prices.
- select_subscription_plan: the user picks a plan (monthly or annual).
- goodbye: farewells.
- delete_all_data: the user asks to erase all their data or stop using the service.
- general_conversation: anything else.
User state: %s`

const draftSystemPrompt = `You build daily routines for a WhatsApp assistant. From the user's description,
answer with a JSON object:
{"routineName": "...", "activities": [{"description": "...", "scheduledTime": "HH:MM", "duration": <minutes>, "category": "<category>",
 "messages": {"before": ["..."], "start": ["..."], "during": ["..."], "end": ["..."]}}]}
Times are 24-hour HH:MM. Durations are whole minutes between 5 and 240.
Category is one of exercise, work, study, meal, rest, leisure, selfcare, general.
Messages are optional short motivational reminders in Brazilian Portuguese.
List activities in the order they happen during the day.`

const editSystemPrompt = `You turn requests to change a daily routine into one structured edit.
Answer with a JSON object:
{"kind": "modify|add|remove", "targetMatch": {"taskFragment": "...", "time": "HH:MM"},
 "change": {"field": "time|duration", "to": "..."},
 "activity": {"description": "...", "scheduledTime": "HH:MM", "duration": <minutes>, "category": "..."}}
Use "activity" only for "add". For "time" changes "to" is HH:MM; for "duration" it is a number of minutes.
taskFragment is a short lowercase piece of the activity description.
Current routine:
%s`

const referenceSystemPrompt = `The user is reporting on one activity of their routine.
Answer with a JSON object {"activityId": "<id>"} naming the activity they mean, or {"activityId": ""} if unclear.
Activities:
%s`

const converseSystemPrompt = `Você é um assistente de rotina no WhatsApp. Responda em português do Brasil,
de forma curta, calorosa e prática. Se fizer sentido, lembre que você pode criar,
mostrar e ajustar a rotina diária da pessoa e enviar lembretes.
Estado do usuário: %s`

// Classify returns the intent of an aggregated turn.
func (c *Client) Classify(ctx context.Context, text string, tc models.TurnContext) (models.Intent, error) {
	labels := make([]string, len(models.AllIntents))
	for i, in := range models.AllIntents {
		labels[i] = string(in)
	}
	system := fmt.Sprintf(classifySystemPrompt, strings.Join(labels, ", "), describeState(tc))
	messages := withHistory(system, tc.History, text)

	content, err := c.complete(ctx, "Classify", messages, true)
	if err != nil {
		return "", &models.ClassificationError{Op: "classify", Err: err}
	}
	var out struct {
		Intent string `json:"intent"`
	}
	if err := decodeJSON(content, &out); err != nil {
		return "", &models.ClassificationError{Op: "classify", Err: err}
	}
	return models.ParseIntent(out.Intent), nil
}

// DraftRoutine proposes a routine from the user's description of their day.
func (c *Client) DraftRoutine(ctx context.Context, text string, tc models.TurnContext) (*models.RoutineDraft, error) {
	messages := withHistory(draftSystemPrompt, tc.History, text)
	content, err := c.complete(ctx, "DraftRoutine", messages, true)
	if err != nil {
		return nil, &models.ClassificationError{Op: "draft", Err: err}
	}
	var draft models.RoutineDraft
	if err := decodeJSON(content, &draft); err != nil {
		return nil, &models.ClassificationError{Op: "draft", Err: err}
	}
	return &draft, nil
}

// AnalyzeEdit reads one structured edit out of a change request.
func (c *Client) AnalyzeEdit(ctx context.Context, text string, r *models.Routine) (*models.EditInstruction, error) {
	system := fmt.Sprintf(editSystemPrompt, routineJSON(r))
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(text),
	}
	content, err := c.complete(ctx, "AnalyzeEdit", messages, true)
	if err != nil {
		return nil, &models.ClassificationError{Op: "edit", Err: err}
	}
	var ins models.EditInstruction
	if err := decodeJSON(content, &ins); err != nil {
		return nil, &models.ClassificationError{Op: "edit", Err: err}
	}
	return &ins, nil
}

// ExtractReference names the activity a report refers to. It returns nil
// when the model could not tell or named an activity that does not exist.
func (c *Client) ExtractReference(ctx context.Context, text string, r *models.Routine) (*models.ActivityReference, error) {
	var list strings.Builder
	for _, a := range r.Activities {
		fmt.Fprintf(&list, "- id=%s time=%s description=%q\n", a.ID, a.ScheduledTime, a.Description)
	}
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(fmt.Sprintf(referenceSystemPrompt, list.String())),
		openai.UserMessage(text),
	}
	content, err := c.complete(ctx, "ExtractReference", messages, true)
	if err != nil {
		return nil, &models.ClassificationError{Op: "reference", Err: err}
	}
	var ref models.ActivityReference
	if err := decodeJSON(content, &ref); err != nil {
		return nil, &models.ClassificationError{Op: "reference", Err: err}
	}
	if ref.ActivityID == "" || r.Activity(ref.ActivityID) == nil {
		return nil, nil
	}
	return &ref, nil
}

// Converse produces a free-form reply for general conversation.
func (c *Client) Converse(ctx context.Context, text string, tc models.TurnContext) (string, error) {
	system := fmt.Sprintf(converseSystemPrompt, describeState(tc))
	content, err := c.complete(ctx, "Converse", withHistory(system, tc.History, text), false)
	if err != nil {
		return "", &models.ClassificationError{Op: "converse", Err: err}
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &models.ClassificationError{Op: "converse", Err: fmt.Errorf("empty reply")}
	}
	return content, nil
}

// withHistory builds system + recent history + current turn. The current
// turn is already the last history entry when the dispatcher recorded it, so
// a trailing identical user message is not repeated.
func withHistory(system string, history []models.HistoryMessage, text string) []openai.ChatCompletionMessageParamUnion {
	if n := len(history); n > 0 && history[n-1].Role == models.RoleUser && history[n-1].Content == text {
		history = history[:n-1]
	}
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(system))
	for _, h := range history {
		switch h.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(h.Content))
		default:
			messages = append(messages, openai.UserMessage(h.Content))
		}
	}
	return append(messages, openai.UserMessage(text))
}

func describeState(tc models.TurnContext) string {
	data, err := json.Marshal(tc)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func routineJSON(r *models.Routine) string {
	if r == nil {
		return "{}"
	}
	data, err := json.Marshal(r.Activities)
	if err != nil {
		return "[]"
	}
	return string(data)
}
