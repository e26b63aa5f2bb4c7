package apperr

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Body is the JSON error envelope. Clients that only know the
// {"detail": "..."} shape still find the message.
type Body struct {
	Code   Code   `json:"code"`
	Detail string `json:"detail"`
}

// WriteJSON writes err as a JSON error response. Internal causes are
// logged and not sent to the client.
func WriteJSON(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	body := Body{Code: CodeInternal, Detail: "internal server error"}

	var ae *AppError
	if errors.As(err, &ae) {
		body.Code = ae.Code
		if status < http.StatusInternalServerError {
			body.Detail = ae.Message
		}
	}
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).WithField("component", "http").Error("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Decode reads an error body from an API response. It never fails; an
// unreadable body yields an error built from the status alone.
func Decode(resp *http.Response) error {
	var body Body
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil || body.Detail == "" {
		return FromStatus(resp.StatusCode, "")
	}
	return FromStatus(resp.StatusCode, body.Detail)
}
