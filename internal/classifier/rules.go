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
	"context"
	"fmt"
	"strings"

	"github.com/bcem/quarantine/internal/decision"
	"github.com/bcem/quarantine/internal/models"
	"github.com/bcem/quarantine/internal/verdict"
)

// DefaultKeywords are the pressure phrases the rule source looks for.
var DefaultKeywords = []string{
	"password",
	"wire transfer",
	"urgent",
	"verify your account",
	"click here",
	"payment",
	"invoice attached",
}

const (
	keywordWeight  = 20
	warningWeight  = 30
	internalCredit = 15
)

// RuleSource scores messages with keyword and link heuristics. It needs no
// network and is meant for offline runs and as a baseline.
type RuleSource struct {
	keywords  []string
	orgDomain string
}

// NewRuleSource creates a rule source. An empty keyword list uses
// DefaultKeywords.
func NewRuleSource(keywords []string, orgDomain string) *RuleSource {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	lower := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lower = append(lower, k)
		}
	}
	return &RuleSource{keywords: lower, orgDomain: orgDomain}
}

// Classify implements Source.
func (s *RuleSource) Classify(ctx context.Context, req Request) (verdict.Raw, error) {
	if err := ctx.Err(); err != nil {
		return verdict.Raw{}, err
	}

	subject := strings.ToLower(req.Subject)
	body := strings.ToLower(req.Body)

	score := 0
	var reasons []string
	for _, k := range s.keywords {
		if strings.Contains(subject, k) || strings.Contains(body, k) {
			score += keywordWeight
			reasons = append(reasons, fmt.Sprintf("Found suspicious term: %s", k))
		}
	}

	for _, w := range req.Warnings {
		score += warningWeight
		reasons = append(reasons, w)
	}

	if s.orgDomain != "" && !decision.IsExternal(req.Sender, s.orgDomain) {
		score -= internalCredit
		reasons = append(reasons, "Internal sender (reduced risk)")
	}

	score = max(0, min(100, score))

	class := models.ClassSafe
	switch {
	case score >= 60:
		class = models.ClassPhishing
	case score >= 20:
		class = models.ClassSpam
	}

	f := float64(score)
	return verdict.Raw{
		Classification: string(class),
		RiskScore:      &f,
		Reasons:        reasons,
	}, nil
}
