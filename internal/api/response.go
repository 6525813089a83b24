package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// internalErrorBody is written when an envelope cannot be encoded.
var internalErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("api: cannot encode fallback envelope: " + err.Error())
	}
	return b
}

// writeJSONResponse encodes body before touching headers so an encoding
// failure still produces a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("Server.writeJSONResponse: encode failed", "error", err)
		data, status = internalErrorBody, http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.Debug("Server.writeJSONResponse: write failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, models.Error(message))
}
