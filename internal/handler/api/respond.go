package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/webitel/im-pulse/internal/errs"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  string `json:"code,omitempty"`
}

// StatusOf maps an error kind to an HTTP status.
func StatusOf(err error) int {
	switch errs.KindOf(err) {
	case errs.KindInvalidArgument:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindAlreadyExists:
		return http.StatusConflict
	case errs.KindResourceExhausted:
		return http.StatusTooManyRequests
	case errs.KindTimeout:
		return http.StatusNoContent
	case errs.KindInvalidState:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("RESPONSE_WRITE_FAILED", "err", err)
	}
}

func WriteError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	WriteJSON(w, status, errorBody{
		Error: err.Error(),
		Kind:  string(errs.KindOf(err)),
		Code:  errs.CodeOf(err),
	})
}

// BadRequest reports a malformed request body or parameter.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: string(errs.KindInvalidArgument)})
}

// DecodeJSON reads the request body into v, keeping numbers exact.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	dec.UseNumber()
	return dec.Decode(v)
}
