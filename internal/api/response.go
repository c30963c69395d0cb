package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// fallbackErrorBody is sent when a response cannot be encoded.
var fallbackErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("api: marshal %T: %v", v, err))
	}
	return b
}

// writeJSONResponse writes response as the JSON body with statusCode. An encoding failure is
// reported as a 500 with the generic error envelope.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: encode failed", "status", statusCode, "type", fmt.Sprintf("%T", response), "error", err)
		body, statusCode = fallbackErrorBody, http.StatusInternalServerError
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Warn("Server.writeJSONResponse: client went away", "status", statusCode, "error", err)
	}
}

// writeError writes the error envelope carrying msg.
func writeError(w http.ResponseWriter, statusCode int, msg string) {
	writeJSONResponse(w, statusCode, models.Error(msg))
}
