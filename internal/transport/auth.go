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
	"fmt"
	"net/http"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/credentials"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Sign adds cred to req as the connector's auth scheme requires. cred may
// be nil only for NoAuth.
func Sign(req *http.Request, connectorID string, spec connector.AuthSpec, cred *credentials.Credential) error {
	if _, ok := spec.(connector.NoAuth); ok {
		return nil
	}
	if cred == nil || cred.AccessSecret == "" {
		return &sberrors.AuthenticationError{ConnectorID: connectorID, Reason: "no usable credential"}
	}

	switch a := spec.(type) {
	case connector.OAuth2Auth, connector.BearerAuth:
		req.Header.Set("Authorization", "Bearer "+cred.AccessSecret)
	case connector.APIKeyAuth:
		if a.Header != "" {
			req.Header.Set(a.Header, a.Prefix+cred.AccessSecret)
		} else {
			q := req.URL.Query()
			q.Set(a.QueryParam, cred.AccessSecret)
			req.URL.RawQuery = q.Encode()
		}
	case connector.BasicAuth:
		req.SetBasicAuth(cred.Username, cred.AccessSecret)
	default:
		return fmt.Errorf("connector %s: unsupported auth scheme %T", connectorID, spec)
	}
	return nil
}
