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

package verdict

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned when classifier output cannot be read as a verdict.
var ErrMalformed = errors.New("malformed classifier output")

// rawJSON mirrors the classifier contract with loosely typed fields, so a
// wrong type on one field does not reject the whole object.
type rawJSON struct {
	Classification json.RawMessage `json:"classification"`
	RiskScore      json.RawMessage `json:"risk_score"`
	Reasons        json.RawMessage `json:"reasons"`
}

// Parse reads classifier output. Models sometimes wrap the JSON object in
// prose or code fences, so the outermost {...} is used when the whole text
// is not an object. Anything that is not an object, including a bare null,
// is malformed; an empty object is not, its fields take their defaults.
func Parse(data []byte) (Raw, error) {
	data = bytes.TrimSpace(data)

	var doc rawJSON
	if !isObject(data) || json.Unmarshal(data, &doc) != nil {
		start := bytes.IndexByte(data, '{')
		end := bytes.LastIndexByte(data, '}')
		if start < 0 || end <= start {
			return Raw{}, fmt.Errorf("%w: no JSON object found", ErrMalformed)
		}
		if err := json.Unmarshal(data[start:end+1], &doc); err != nil {
			return Raw{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	return Raw{
		Classification: stringField(doc.Classification),
		RiskScore:      numberField(doc.RiskScore),
		Reasons:        reasonsField(doc.Reasons),
	}, nil
}

func isObject(data []byte) bool {
	return len(data) > 0 && data[0] == '{'
}

func stringField(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func numberField(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return &f
		}
	}
	return nil
}

func reasonsField(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}
