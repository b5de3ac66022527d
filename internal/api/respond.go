// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/trailwatch/internal/logging"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 32 << 20

var errNotJSON = errors.New("Request must be JSON") //nolint:staticcheck // client-facing message

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("failed to write JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg, Status: "error"})
}

// decodeJSON reads a JSON body into v. The returned error text is safe to
// show to clients.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || ct != "application/json" {
		return errNotJSON
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("Invalid data format: %v", err) //nolint:staticcheck // client-facing message
	}
	return nil
}
