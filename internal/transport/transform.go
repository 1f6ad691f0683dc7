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

package transport

import (
	"context"
	"fmt"

	"github.com/tombee/switchboard/internal/jq"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Transform replaces resp.Body with the result of the jq expression expr.
// An empty expression leaves resp untouched. A failing expression is an
// upstream error that is never retried.
func Transform(ctx context.Context, exec *jq.Executor, call *Call, expr string, resp *Response) error {
	if expr == "" || resp == nil {
		return nil
	}
	out, err := exec.Execute(ctx, expr, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sberrors.UpstreamError{
			ConnectorID: call.ConnectorID,
			Operation:   call.Operation,
			StatusCode:  resp.Status,
			Message:     fmt.Sprintf("response transform failed: %v", err),
			Cause:       err,
		}
	}
	resp.Body = out
	return nil
}
