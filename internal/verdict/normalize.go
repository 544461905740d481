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

// Package verdict turns raw, possibly malformed classifier output into a
// calibrated verdict whose score always agrees with its label.
package verdict

import (
	"fmt"
	"math"
	"strings"

	"github.com/bcem/quarantine/internal/models"
)

// MaxReasons is the most reasons a verdict carries.
const MaxReasons = 5

// MissingReasons is substituted when the classifier gives no reasons.
const MissingReasons = "Model did not provide reasons"

// FailClosedScore is the score reported when no verdict could be obtained.
const FailClosedScore = 90

// Raw is classifier output before normalisation. Absent fields are the zero
// value (Classification "") or nil (RiskScore).
type Raw struct {
	Classification string
	RiskScore      *float64
	Reasons        []string
}

// Normalize applies defaulting, clamping, and band calibration:
//
//   - label lower-cased, "spam" when absent
//   - missing score derived from the label
//   - score clamped to [0,100]
//   - safe capped at 20, spam floored at 35, phishing/malicious floored at 75
//   - placeholder reason when none were given
func Normalize(raw Raw) models.Verdict {
	class := models.Classification(strings.ToLower(strings.TrimSpace(raw.Classification)))
	if class == "" {
		class = models.ClassSpam
	}

	var score int
	if raw.RiskScore == nil || math.IsNaN(*raw.RiskScore) {
		score = defaultScore(class)
	} else {
		score = clamp(*raw.RiskScore)
	}

	score = calibrate(class, score)

	reasons := make([]string, 0, len(raw.Reasons))
	for _, r := range raw.Reasons {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		reasons = append(reasons, r)
		if len(reasons) == MaxReasons {
			break
		}
	}
	if len(reasons) == 0 {
		reasons = []string{MissingReasons}
	}

	return models.Verdict{
		Classification: class,
		RiskScore:      score,
		Reasons:        reasons,
	}
}

// FailClosed is the verdict used when the classifier is unreachable or its
// output cannot be parsed.
func FailClosed(cause error) models.Verdict {
	reason := "Classifier unavailable or returned unparseable output; failing closed as phishing"
	if cause != nil {
		reason = fmt.Sprintf("%s (%v)", reason, cause)
	}
	return models.Verdict{
		Classification: models.ClassPhishing,
		RiskScore:      FailClosedScore,
		Reasons:        []string{reason},
	}
}

func defaultScore(class models.Classification) int {
	switch class {
	case models.ClassSafe:
		return 10
	case models.ClassSpam:
		return 40
	case models.ClassPhishing, models.ClassMalicious:
		return 80
	default:
		return 50
	}
}

func clamp(v float64) int {
	if v <= 0 {
		return 0
	}
	if v >= 100 {
		return 100
	}
	return int(math.Round(v))
}

func calibrate(class models.Classification, score int) int {
	switch class {
	case models.ClassSafe:
		if score > 20 {
			return 20
		}
	case models.ClassSpam:
		if score < 35 {
			return 35
		}
	case models.ClassPhishing, models.ClassMalicious:
		if score < 75 {
			return 75
		}
	}
	return score
}
