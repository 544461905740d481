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

package urlscan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "empty",
			text: "",
			want: nil,
		},
		{
			name: "ip literal link",
			text: "Visit http://203.0.113.5/login now",
			want: []string{"http://203.0.113.5/login"},
		},
		{
			name: "trailing punctuation stripped",
			text: "See (https://example.com/a). Or www.example.org, then https://x.io/b;",
			want: []string{"https://example.com/a", "www.example.org", "https://x.io/b"},
		},
		{
			name: "duplicates collapsed keeping first order",
			text: "https://b.com https://a.com https://b.com",
			want: []string{"https://b.com", "https://a.com"},
		},
		{
			name: "quote and angle delimiters",
			text: `<a href="https://evil.xyz/pay">click</a> <https://ok.com/x>`,
			want: []string{"https://evil.xyz/pay", "https://ok.com/x"},
		},
		{
			name: "case insensitive scheme",
			text: "HTTPS://Example.com/Path",
			want: []string{"HTTPS://Example.com/Path"},
		},
		{
			name: "no links",
			text: "nothing to see here",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.text))
		})
	}
}

// TestExtract_Idempotent verifies that extracting from an already-extracted
// list yields the same list, and repeated calls are stable.
func TestExtract_Idempotent(t *testing.T) {
	text := "a https://one.com/x. b www.two.org c https://one.com/x d http://10.0.0.1/"
	first := Extract(text)
	require.NotEmpty(t, first)

	again := Extract(strings.Join(first, " "))
	assert.Equal(t, first, again)
	assert.Equal(t, first, Extract(text))

	seen := map[string]bool{}
	for _, u := range first {
		assert.False(t, seen[u], "duplicate %s", u)
		seen[u] = true
	}
}

func TestAssessRisk_IPLiteral(t *testing.T) {
	a := NewAnalyzer(nil)
	urls := Extract("Visit http://203.0.113.5/login now")

	warnings := a.AssessRisk(urls)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "IP-literal host 203.0.113.5")
}

func TestAssessRisk_SuspiciousTLD(t *testing.T) {
	a := NewAnalyzer([]string{".xyz", "TOP"})

	warnings := a.AssessRisk([]string{
		"https://pay.evil.xyz/login",
		"www.deals.top",
		"https://example.com",
	})
	assert.ElementsMatch(t, []string{
		"suspicious TLD .xyz on host pay.evil.xyz",
		"suspicious TLD .top on host www.deals.top",
	}, warnings)
}

func TestAssessRisk_Deduplicated(t *testing.T) {
	a := NewAnalyzer([]string{"xyz"})

	warnings := a.AssessRisk([]string{
		"https://evil.xyz/a",
		"https://evil.xyz/b",
	})
	assert.Len(t, warnings, 1)
}

func TestAssessRisk_Clean(t *testing.T) {
	a := NewAnalyzer(nil)
	assert.Empty(t, a.AssessRisk([]string{"https://example.com", "www.golang.org"}))
	assert.Empty(t, a.AssessRisk(nil))
}

func TestAssessRisk_IPv6NotFlaggedAsIPv4(t *testing.T) {
	a := NewAnalyzer(nil)
	assert.Empty(t, a.AssessRisk([]string{"http://[2001:db8::1]/x"}))
}
