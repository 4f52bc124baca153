package api

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nimbusops/nimbus/internal/errors"
)

// maxRequestBytes bounds inbound request bodies. Specs and drift
// requests are small; anything larger is a caller bug.
const maxRequestBytes = 1 << 20

// envelope is the response shape shared with the tool services: data
// under success, or a machine-readable error name plus a human message
// and optional structured details.
type envelope struct {
	Success bool                   `json:"success"`
	Data    interface{}            `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respond writes a success envelope.
func respond(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// respondError maps the error's kind onto a status code and writes a
// failure envelope. Details travel with the response so callers can
// branch without parsing messages.
func respondError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)

	message := err.Error()
	var details map[string]interface{}
	var engineErr *errors.Error
	if stderrors.As(err, &engineErr) {
		message = engineErr.Message
		details = engineErr.Details
	}

	writeJSON(w, errors.HTTPStatus(kind), envelope{
		Success: false,
		Error:   string(kind),
		Message: message,
		Details: details,
	})
}

// decodeJSON reads a required JSON body into dst.
func decodeJSON(r *http.Request, dst interface{}) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.BadInput("request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.Wrap(err, errors.KindBadInput, "decoding request body")
	}
	return nil
}

// decodeJSONOptional reads a JSON body into dst, treating an absent
// body as all defaults.
func decodeJSONOptional(r *http.Request, dst interface{}) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.Wrap(err, errors.KindBadInput, "decoding request body")
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindBadInput, "reading request body")
	}
	if len(body) > maxRequestBytes {
		return nil, errors.BadInputf("request body exceeds %d bytes", maxRequestBytes)
	}
	return body, nil
}

// intQuery parses an optional integer query parameter.
func intQuery(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.BadInputf("query parameter %s must be an integer", name)
	}
	return value, nil
}

// allowLongResponse lifts the server write deadline for handlers that
// hold the connection while a plan runs.
func allowLongResponse(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}
