package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/DuetPipe/internal/models"
)

// fallbackErrorResponse is sent when a response cannot be encoded.
var fallbackErrorResponse = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("api: cannot marshal fallback response: " + err.Error())
	}
	return b
}

// writeJSONResponse encodes response before touching headers, so an encoding failure can still
// become a clean 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "status", statusCode, "error", err)
		body, statusCode = fallbackErrorResponse, http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", err)
	}
}
