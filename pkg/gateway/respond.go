package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/corralhq/corral/pkg/broker"
	"github.com/corralhq/corral/pkg/storage"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDetail writes the error envelope used across the API.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeStoreError maps store and broker errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, broker.ErrTaskNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeDetail(w, http.StatusConflict, err.Error())
	case errors.Is(err, broker.ErrBadTransition):
		writeDetail(w, http.StatusConflict, err.Error())
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func decodeJSONResponse(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
