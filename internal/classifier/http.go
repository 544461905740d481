// Copyright (c) 2026 John Earle
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

package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bcem/quarantine/internal/verdict"
)

// maxResponseBytes caps how much of a classifier response is read.
const maxResponseBytes = 1 << 20

// HTTPSource posts the request as JSON to a classification endpoint that
// answers with {"classification", "risk_score", "reasons"}.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource creates a source for endpoint. Timeouts come from the
// pipeline's context; client may be nil.
func NewHTTPSource(endpoint string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSource{url: endpoint, client: client}
}

// Classify implements Source.
func (s *HTTPSource) Classify(ctx context.Context, req Request) (verdict.Raw, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return verdict.Raw{}, fmt.Errorf("marshal classify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return verdict.Raw{}, fmt.Errorf("build classify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return verdict.Raw{}, fmt.Errorf("classify request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return verdict.Raw{}, fmt.Errorf("read classify response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return verdict.Raw{}, fmt.Errorf("classifier returned HTTP %d: %s", resp.StatusCode, truncateForLog(body))
	}

	return verdict.Parse(body)
}

func truncateForLog(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
