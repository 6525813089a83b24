package reminder

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// genericMessages is the last fallback for every slot. %s is the activity
// description.
var genericMessages = map[models.ReminderSlot]string{
	models.SlotBefore:   "⏰ Daqui a 5 minutos: %s.",
	models.SlotStart:    "▶️ Hora de começar: %s.",
	models.SlotDuring:   "👀 Como está indo com %s? Siga firme!",
	models.SlotEnd:      "🏁 Hora de encerrar: %s.",
	models.SlotFollowUp: "Você concluiu \"%s\"?",
}

var categoryMessages = map[models.Category]map[models.ReminderSlot]string{
	models.CategoryExercise: {
		models.SlotBefore: "👟 Em 5 minutos é hora de %s. Separe a roupa e a garrafinha de água!",
		models.SlotStart:  "🏃 Bora mexer o corpo: %s!",
		models.SlotDuring: "💪 Você está indo bem em %s. Lembre de se hidratar!",
		models.SlotEnd:    "🙌 Fim de %s. Alongue um pouco antes de seguir.",
	},
	models.CategoryWork: {
		models.SlotBefore: "💼 Em 5 minutos começa %s. Feche as abas que não vai usar.",
		models.SlotStart:  "🎯 Foco total em %s agora.",
		models.SlotDuring: "📵 Mantenha o foco em %s, deixe as notificações para depois.",
		models.SlotEnd:    "✅ Hora de fechar %s. Anote onde parou.",
	},
	models.CategoryStudy: {
		models.SlotBefore: "📚 Daqui a 5 minutos: %s. Deixe o material à mão.",
		models.SlotStart:  "📖 Hora de estudar: %s.",
		models.SlotDuring: "🧠 Continue firme em %s. Uma pausa curta ajuda se precisar.",
		models.SlotEnd:    "📝 Fim de %s. Que tal revisar o que aprendeu?",
	},
	models.CategoryMeal: {
		models.SlotBefore: "🍽️ Em 5 minutos: %s.",
		models.SlotStart:  "🥗 Hora de %s. Coma com calma!",
		models.SlotDuring: "😋 Aproveite %s sem pressa.",
		models.SlotEnd:    "☕ Fim de %s.",
	},
	models.CategoryRest: {
		models.SlotBefore: "🌙 Em 5 minutos: %s. Vá desacelerando.",
		models.SlotStart:  "😴 Hora de %s. Desligue as telas.",
		models.SlotDuring: "🛌 Aproveite %s para recarregar as energias.",
		models.SlotEnd:    "🌅 Fim de %s.",
	},
	models.CategoryLeisure: {
		models.SlotBefore: "🎉 Daqui a 5 minutos: %s!",
		models.SlotStart:  "🎮 Hora de curtir: %s.",
		models.SlotDuring: "😄 Aproveite bem %s.",
		models.SlotEnd:    "👋 Fim de %s.",
	},
	models.CategorySelfCare: {
		models.SlotBefore: "🧘 Em 5 minutos: %s. Um tempo só seu.",
		models.SlotStart:  "💆 Hora de cuidar de você: %s.",
		models.SlotDuring: "🌿 Respire fundo e aproveite %s.",
		models.SlotEnd:    "💚 Fim de %s. Você merece esse cuidado.",
	},
}

// MessageFor picks the text of a reminder: the activity's first custom
// message for the slot, else the category default, else the generic one.
func MessageFor(a models.Activity, slot models.ReminderSlot) string {
	for _, m := range a.Messages[slot] {
		if m = strings.TrimSpace(m); m != "" {
			return m
		}
	}
	if tmpl, ok := categoryMessages[a.Category][slot]; ok {
		return fmt.Sprintf(tmpl, a.Description)
	}
	return fmt.Sprintf(genericMessages[slot], a.Description)
}

// FollowUpList is the yes/no prompt sent after an activity ends. Option ids
// carry the activity id so the answer can be routed without classification.
func FollowUpList(a models.Activity) models.InteractiveList {
	return models.InteractiveList{
		Title:      a.Description,
		Body:       MessageFor(a, models.SlotFollowUp),
		ButtonText: "Responder",
		Options: []models.ListOption{
			{ID: DoneToken(a.ID), Title: "✅ Sim, concluí"},
			{ID: NotDoneToken(a.ID), Title: "❌ Não consegui"},
		},
	}
}

// Reply token prefixes of the follow-up options.
const (
	DonePrefix    = "done:"
	NotDonePrefix = "notdone:"
)

// DoneToken is the option id for a completed activity.
func DoneToken(activityID string) string { return DonePrefix + activityID }

// NotDoneToken is the option id for an activity that was not completed.
func NotDoneToken(activityID string) string { return NotDonePrefix + activityID }

// ParseReplyToken reports whether text is exactly one follow-up answer and
// returns the activity id and whether it was completed.
func ParseReplyToken(text string) (activityID string, done bool, ok bool) {
	text = strings.TrimSpace(text)
	if id, found := strings.CutPrefix(text, DonePrefix); found && id != "" && !strings.ContainsAny(id, " \n") {
		return id, true, true
	}
	if id, found := strings.CutPrefix(text, NotDonePrefix); found && id != "" && !strings.ContainsAny(id, " \n") {
		return id, false, true
	}
	return "", false, false
}
