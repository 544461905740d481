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

// Package urlscan extracts links from message text and flags statically
// risky ones. It never touches the network.
package urlscan

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// DefaultSuspiciousTLDs are top-level domains with a high share of abuse.
var DefaultSuspiciousTLDs = []string{
	"zip", "mov", "xyz", "top", "click", "country", "gq", "tk", "ml", "cf",
	"ga", "work", "support", "rest", "icu", "cam", "monster", "quest",
}

var urlPattern = regexp.MustCompile(`(?i)\b((?:https?://|www\.)[^\s<>"']+)`)

const trailingPunct = `).,;'"`

// Extract returns the links found in text in order of first appearance,
// with trailing sentence punctuation removed and exact duplicates collapsed.
func Extract(text string) []string {
	if text == "" {
		return nil
	}

	var urls []string
	seen := make(map[string]bool)
	for _, m := range urlPattern.FindAllString(text, -1) {
		u := strings.TrimRight(m, trailingPunct)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

// Analyzer flags IP-literal hosts and abuse-prone TLDs.
type Analyzer struct {
	tlds map[string]bool
}

// NewAnalyzer creates an analyzer for the given TLD list. Entries may carry
// a leading dot. An empty list uses DefaultSuspiciousTLDs.
func NewAnalyzer(tlds []string) *Analyzer {
	if len(tlds) == 0 {
		tlds = DefaultSuspiciousTLDs
	}
	set := make(map[string]bool, len(tlds))
	for _, t := range tlds {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
		if t != "" {
			set[t] = true
		}
	}
	return &Analyzer{tlds: set}
}

// AssessRisk returns the set of warnings for urls, sorted for stable output.
func (a *Analyzer) AssessRisk(urls []string) []string {
	warnings := make(map[string]bool)
	for _, raw := range urls {
		host := hostOf(raw)
		if host == "" {
			continue
		}

		if isIPv4Literal(host) {
			warnings[fmt.Sprintf("IP-literal host %s in link %s", host, raw)] = true
			continue
		}

		if i := strings.LastIndexByte(host, '.'); i >= 0 {
			tld := host[i+1:]
			if a.tlds[tld] {
				warnings[fmt.Sprintf("suspicious TLD .%s on host %s", tld, host)] = true
			}
		}
	}

	if len(warnings) == 0 {
		return nil
	}
	out := make([]string, 0, len(warnings))
	for w := range warnings {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// hostOf returns the lower-cased host of a link, or "" if it cannot be parsed.
func hostOf(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

func isIPv4Literal(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() != nil && strings.Count(host, ".") == 3
}
