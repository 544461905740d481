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

// Package decision holds the quarantine rule table and the sender-origin rule.
package decision

import (
	"fmt"
	"strings"

	"github.com/bcem/quarantine/internal/models"
)

// ThreatMargin lowers the threshold for phishing and malicious messages.
const ThreatMargin = 10

// Decision is the outcome of Decide.
type Decision struct {
	Quarantine bool
	Reason     string
}

// Decide maps a calibrated verdict and sender origin to a quarantine
// decision. It is pure and total.
//
//	safe                 never
//	spam                 external && score >= threshold
//	phishing, malicious  external && score >= threshold-10
//	anything else        never ("unrecognized classification")
func Decide(class models.Classification, riskScore int, isExternal bool, threshold int) Decision {
	origin := "internal"
	if isExternal {
		origin = "external"
	}

	switch class {
	case models.ClassSafe:
		return Decision{Quarantine: false, Reason: "classification=safe"}

	case models.ClassSpam:
		return Decision{
			Quarantine: isExternal && riskScore >= threshold,
			Reason:     fmt.Sprintf("spam & %s sender & risk %d vs threshold %d", origin, riskScore, threshold),
		}

	case models.ClassPhishing, models.ClassMalicious:
		bar := threshold - ThreatMargin
		return Decision{
			Quarantine: isExternal && riskScore >= bar,
			Reason:     fmt.Sprintf("%s & %s sender & risk %d vs threshold %d", class, origin, riskScore, bar),
		}

	default:
		return Decision{Quarantine: false, Reason: fmt.Sprintf("unrecognized classification %q", string(class))}
	}
}

// IsExternal reports whether sender is outside orgDomain. With no domain
// configured every sender is external. A sender matches the domain itself
// or any of its subdomains, case-insensitively.
func IsExternal(sender, orgDomain string) bool {
	domain := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(orgDomain), "@"))
	if domain == "" {
		return true
	}

	addr := strings.ToLower(strings.TrimSpace(sender))
	return !strings.HasSuffix(addr, "@"+domain) && !strings.HasSuffix(addr, "."+domain)
}
