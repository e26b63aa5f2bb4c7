package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openly/messenger/internal/apperr"
	"github.com/openly/messenger/internal/store"
)

const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		return apperr.InvalidArg("invalid request body: " + err.Error())
	}
	return nil
}

// writeError maps store errors onto API errors.
func writeError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = apperr.NotFound(notFound)
	case errors.Is(err, store.ErrNotParticipant):
		err = apperr.Forbidden("not a participant in this conversation")
	}
	apperr.WriteJSON(w, err)
}

func requireParam(r *http.Request, name string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", apperr.InvalidArg(name + " is required")
	}
	return v, nil
}
