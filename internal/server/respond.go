// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"net/http"

	"github.com/tombee/cineflow/pkg/errors"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps typed domain errors onto HTTP statuses and the
// {code, message, details?} envelope.
func writeError(w http.ResponseWriter, err error) {
	var (
		ve *errors.ValidationError
		nf *errors.NotFoundError
		pe *errors.ProviderError
	)
	switch {
	case errors.As(err, &ve):
		body := errorBody{Code: "validation_error", Message: err.Error()}
		if ve.Field != "" {
			body.Details = map[string]string{"field": ve.Field}
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error()})
	case errors.As(err, &pe):
		writeJSON(w, http.StatusBadGateway, errorBody{
			Code:    "provider_error",
			Message: err.Error(),
			Details: map[string]any{"provider": pe.Provider, "retryable": pe.Retryable},
		})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal_error", Message: err.Error()})
	}
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: "validation_error", Message: message})
}
