package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"pvgateway/pkg/channel"
	"pvgateway/pkg/pva"
)

// Error numbers reported in the response envelope.
const (
	errNumNotImplemented = 0x400
	errNumInvalidValue   = 0x401
	errNumNotConnected   = 0x407
	errNumUnspecified    = 0x500
)

var errInvalidValue = errors.New("invalid value")

// Global transaction counter
var txCounter atomic.Int32

type baseResponse struct {
	ClientTransactionID int    `json:"ClientTransactionID"`
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

func errorNumber(err error) int {
	switch {
	case errors.Is(err, channel.ErrNotConnected), errors.Is(err, channel.ErrInvalidState):
		return errNumNotConnected
	case errors.Is(err, channel.ErrValidation), errors.Is(err, errInvalidValue),
		errors.Is(err, ErrDuplicate), errors.Is(err, pva.ErrUnknownScheme):
		return errNumInvalidValue
	case errors.Is(err, ErrUnknownChannel):
		return errNumNotImplemented
	default:
		return errNumUnspecified
	}
}

// formValue looks a parameter up case-insensitively.
func formValue(params url.Values, field string) (string, bool) {
	for param, value := range params {
		if strings.EqualFold(param, field) && len(value) > 0 {
			return value[0], true
		}
	}
	return "", false
}

// getClientTxID obtains the client transaction ID from the request
// parameters. It is optional and defaults to 0.
func getClientTxID(params url.Values) (int, error) {
	value, ok := formValue(params, "ClientTransactionID")
	if !ok {
		return 0, nil
	}
	id, err := strconv.Atoi(value)
	if err != nil || id < 0 {
		return 0, errors.New("ClientTransactionID must be a non-negative integer")
	}
	return id, nil
}

// handle adapts fn to the response envelope. Query and body parameters are
// parsed before fn runs and are available in r.Form.
func handle(fn func(r *http.Request) (any, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		txID, err := getClientTxID(r.Form)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		value, err := fn(r)
		if err != nil {
			handleError(w, txID, err)
			return
		}
		handleResponse(w, txID, value)
	})
}

func handleResponse(w http.ResponseWriter, txID int, value any) {
	response := baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		ClientTransactionID: txID,
		Value:               value,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func handleError(w http.ResponseWriter, txID int, err error) {
	response := baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		ClientTransactionID: txID,
		ErrorNumber:         errorNumber(err),
		ErrorMessage:        err.Error(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
