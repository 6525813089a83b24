package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// maxRequestBodyBytes bounds JSON request bodies.
const maxRequestBodyBytes = 1 << 16

// inboundMessage is the body of POST /webhook/messages.
type inboundMessage struct {
	From      string `json:"from" validate:"required,max=64"`
	Body      string `json:"body" validate:"max=4096"`
	MessageID string `json:"message_id" validate:"max=256"`
	ReplyID   string `json:"reply_id" validate:"max=256"`
}

func postOnly(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			slog.Warn("Server."+name+": method not allowed", "method", r.Method)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "routinepipe"}))
}

func (s *Server) messagesWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.messagesWebhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var in inboundMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&in); err != nil {
		slog.Warn("Server.messagesWebhookHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if err := s.validate.Struct(in); err != nil {
		slog.Warn("Server.messagesWebhookHandler: validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := models.Response{From: in.From, Body: in.Body, MessageID: in.MessageID, ReplyID: in.ReplyID}
	if err := s.ingress.ProcessResponse(r.Context(), resp); err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
			return
		}
		if errors.Is(err, models.ErrRateLimited) {
			slog.Warn("Server.messagesWebhookHandler: sender rate limited", "from", in.From)
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "Too many messages")
			return
		}
		slog.Error("Server.messagesWebhookHandler: failed to accept message", "error", err, "from", in.From)
		writeError(w, http.StatusServiceUnavailable, "Message could not be accepted")
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted())
}

func (s *Server) remindersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	phone := strings.TrimPrefix(strings.TrimSpace(r.PathValue("phone")), "+")
	if phone == "" {
		writeError(w, http.StatusBadRequest, "Missing phone")
		return
	}
	triggers := s.opts.Reminders.Active(phone)
	slog.Debug("Server.remindersHandler: listing reminders", "userID", phone, "count", len(triggers))
	writeJSONResponse(w, http.StatusOK, models.Success(triggers))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	receipts, err := s.opts.Receipts.GetReceipts(r.Context(), r.URL.Query().Get("to"))
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to load receipts", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load receipts")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}
