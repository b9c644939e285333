// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/courierchat/courier/internal/logging"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decodeBody unmarshals a JSON request body, capped at 1MB.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}
