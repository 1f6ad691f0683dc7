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

package shared

import (
	"encoding/json"
	"io"

	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// JSONVersion is the envelope version of --json output.
const JSONVersion = "1.0"

// JSONResponse is the envelope shared by every --json output.
type JSONResponse struct {
	Version string `json:"@version"`
	Command string `json:"command,omitempty"`
	Success bool   `json:"success"`
}

// NewJSONResponse returns a successful envelope for command.
func NewJSONResponse(command string) JSONResponse {
	return JSONResponse{Version: JSONVersion, Command: command, Success: true}
}

// JSONError describes a failure in --json output. Code is the engine
// error category.
type JSONError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`

	// RetryAfter is in seconds.
	RetryAfter float64 `json:"retry_after,omitempty"`
}

// EmitJSON writes v as indented JSON.
func EmitJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// EmitJSONError writes a failed envelope for err.
func EmitJSONError(w io.Writer, command string, err error) error {
	type errorResponse struct {
		JSONResponse
		Errors []JSONError `json:"errors"`
	}

	je := JSONError{
		Code:       sberrors.TypeOf(err),
		Message:    err.Error(),
		Suggestion: suggestion(err),
	}
	if after, ok := sberrors.RetryAfter(err); ok {
		je.RetryAfter = after.Seconds()
	}

	return EmitJSON(w, errorResponse{
		JSONResponse: JSONResponse{Version: JSONVersion, Command: command},
		Errors:       []JSONError{je},
	})
}
