/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/carverauto/relayd/pkg/models"
)

// RetryAfterSeconds is advertised on capacity and backpressure responses.
const RetryAfterSeconds = 5

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes a success envelope.
func WriteSuccess(w http.ResponseWriter, status int, action string, data interface{}) {
	WriteJSON(w, status, models.Envelope{
		Data:   data,
		Result: models.ResultSuccess,
		Action: action,
	})
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, status int, action, details string) {
	WriteJSON(w, status, models.Envelope{
		Result:       models.ResultError,
		Action:       action,
		ErrorDetails: details,
	})
}

// StatusForError maps the relay error taxonomy to an HTTP status.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrRevoked):
		return http.StatusForbidden
	case errors.Is(err, models.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrPayloadTooBig):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrInvalidDigest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrCapacity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteFailure writes the error envelope for err, adding Retry-After when
// the client should come back later.
func WriteFailure(w http.ResponseWriter, action string, err error) {
	status := StatusForError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}

	WriteError(w, status, action, err.Error())
}
