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
	"strings"
	"unicode/utf8"

	"github.com/k3a/html2text"

	"github.com/bcem/quarantine/internal/models"
)

// TruncationMarker is appended to bodies cut at the budget.
const TruncationMarker = "\n[... Content truncated due to size limits ...]"

// SelectBody returns the message text to classify: the full body when
// present, otherwise the preview. HTML bodies are flattened to plain text.
func SelectBody(msg models.Message) string {
	content := strings.TrimSpace(msg.Body.Content)
	if content == "" {
		return msg.BodyPreview
	}
	if strings.EqualFold(msg.Body.ContentType, "html") {
		return html2text.HTML2Text(content)
	}
	return content
}

// Truncate cuts body to at most budget characters and appends the marker
// when anything was dropped. It never splits a multi-byte character.
func Truncate(body string, budget int) string {
	if budget <= 0 || utf8.RuneCountInString(body) <= budget {
		return body
	}

	n := 0
	for i := range body {
		if n == budget {
			return body[:i] + TruncationMarker
		}
		n++
	}
	return body
}
