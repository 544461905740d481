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

package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bcem/quarantine/internal/models"
)

// UserInfo represents a directory user.
type UserInfo struct {
	ID                string `json:"id"`
	Mail              string `json:"mail"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// graphUsersResponse represents the paged Graph API /users response.
type graphUsersResponse struct {
	Value    []UserInfo `json:"value"`
	NextLink string     `json:"@odata.nextLink"`
}

// DiscoverMailboxes returns the mailboxes to scan this cycle.
//
// Two tiers:
//   - list mail-enabled users from the directory (/users)
//   - on 403, or when the directory yields nobody, use the static fallback list
//
// Any other failure is logged and yields no mailboxes; the cycle continues.
// Exclusions apply to both tiers.
func (c *Client) DiscoverMailboxes(ctx context.Context) []models.Mailbox {
	users, err := c.listDirectory(ctx)
	switch {
	case err == nil && len(users) > 0:
		mailboxes := c.toMailboxes(users)
		c.logger.Info("mailbox discovery complete",
			"source", "directory",
			"discovered", len(mailboxes),
		)
		return mailboxes

	case err == nil:
		c.logger.Warn("directory listing returned no mail-enabled users, using fallback list")

	case IsForbidden(err):
		c.logger.Warn("directory listing forbidden, using fallback list", "error", err)

	default:
		c.logger.Error("directory listing failed", "error", err)
		return nil
	}

	mailboxes := c.toMailboxes(c.fallback)
	if len(mailboxes) == 0 {
		c.logger.Error("no mailboxes discovered and no fallback mailboxes configured")
		return nil
	}
	c.logger.Info("mailbox discovery complete",
		"source", "fallback",
		"discovered", len(mailboxes),
	)
	return mailboxes
}

// listDirectory pages through /users and returns the mail addresses of
// users that have one.
func (c *Client) listDirectory(ctx context.Context) ([]string, error) {
	params := url.Values{}
	params.Set("$select", "id,mail,displayName,userPrincipalName")
	params.Set("$top", fmt.Sprintf("%d", c.pageSize))

	var addresses []string
	for nextURL := fmt.Sprintf("%s/users?%s", c.baseURL, params.Encode()); nextURL != ""; {
		var page graphUsersResponse
		if err := c.do(ctx, http.MethodGet, nextURL, nil, &page, http.StatusOK); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}

		for _, u := range page.Value {
			// Skip users without a mailbox
			if u.Mail == "" {
				continue
			}
			addresses = append(addresses, u.Mail)
		}

		nextURL = page.NextLink
	}

	return addresses, nil
}

// toMailboxes applies exclusions and collapses duplicates, keeping order.
func (c *Client) toMailboxes(addresses []string) []models.Mailbox {
	seen := make(map[string]bool, len(addresses))
	var mailboxes []models.Mailbox
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		key := normalizeAddress(addr)
		if key == "" || seen[key] {
			continue
		}
		if c.exclude[key] {
			c.logger.Debug("excluding mailbox", "mailbox", addr)
			continue
		}
		seen[key] = true
		mailboxes = append(mailboxes, models.Mailbox{TenantAlias: c.tenantAlias, Address: addr})
	}
	return mailboxes
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
