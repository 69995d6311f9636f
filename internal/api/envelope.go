package api

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"sqlgate/internal/core"
	"sqlgate/internal/logger"
)

// All responses travel as HTTP 200 with a status=OK|FAIL envelope; the
// embedded error_type, not the HTTP status code, is the error channel.
// This is the single boundary where the error taxonomy meets the wire.

func writeOK(w http.ResponseWriter, fields map[string]interface{}) {
	body := map[string]interface{}{"status": "OK"}
	for k, v := range fields {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error, debugMode bool) {
	errType := core.TypeOf(err)
	message := err.Error()

	if errType == core.ErrTypeInternal {
		logger.Error.Printf("internal error: %v\n%s", err, debug.Stack())
		if !debugMode {
			// The client gets a generic failure; the detail stays server-side.
			message = "internal server error"
		}
	}

	body := map[string]interface{}{
		"status":     "FAIL",
		"error_type": string(errType),
		"message":    message,
	}
	if debugMode && errType == core.ErrTypeInternal {
		body["stack_trace"] = string(debug.Stack())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}
