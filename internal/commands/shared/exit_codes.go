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
	"errors"
	"fmt"
	"io"
	"os"

	sberrors "github.com/tombee/switchboard/pkg/errors"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitInvalidInput = 2
	ExitNotFound     = 3
	ExitAuth         = 4
	ExitUnavailable  = 5
	ExitConfig       = 78 // EX_CONFIG from sysexits.h
)

// ExitError carries an explicit exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error

	// Reported means the command already wrote its own failure output.
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewInvalidInputError reports bad flags or arguments.
func NewInvalidInputError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidInput, Message: msg, Cause: cause}
}

// ExitCode picks the process exit code for err. Explicit ExitErrors win;
// otherwise the engine error category decides.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch sberrors.TypeOf(err) {
	case sberrors.TypeValidation, sberrors.TypeDuplicate:
		return ExitInvalidInput
	case sberrors.TypeNotFound:
		return ExitNotFound
	case sberrors.TypeAuthentication:
		return ExitAuth
	case sberrors.TypeRateLimited, sberrors.TypeCircuitOpen, sberrors.TypeTimeout:
		return ExitUnavailable
	case sberrors.TypeConfig:
		return ExitConfig
	default:
		return ExitFailure
	}
}

// HandleExitError prints err and exits with ExitCode(err). With --json the
// error is written to stdout as a JSON envelope instead.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Reported {
		os.Exit(exitErr.Code)
	}
	if GetJSON() {
		_ = EmitJSONError(os.Stdout, "", err)
	} else {
		printError(os.Stderr, err)
	}
	os.Exit(ExitCode(err))
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, RenderError(err.Error()))
	if s := suggestion(err); s != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", s)
	}
}

// suggestion walks the chain for a user visible error with guidance.
func suggestion(err error) string {
	var uv sberrors.UserVisibleError
	if errors.As(err, &uv) && uv.IsUserVisible() {
		return uv.Suggestion()
	}
	return ""
}
