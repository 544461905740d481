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
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bcem/quarantine/internal/models"
)

// deltaResponse represents a page of the inbox /messages/delta response.
type deltaResponse struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

// errNoDeltaLink means the provider ended pagination without a cursor.
var errNoDeltaLink = errors.New("delta pagination ended without a deltaLink")

// FetchChanges returns the inbox messages added or changed since cursor and
// the cursor to use next time. An empty cursor starts a full resync.
//
// The new cursor is returned only after every page has been read; on any
// error no cursor is returned, so the caller keeps the old one. Removed
// entries are dropped. An expired cursor (410 Gone) restarts the feed from
// the beginning within the same call.
func (c *Client) FetchChanges(ctx context.Context, mb models.Mailbox, cursor string) ([]models.Message, string, error) {
	start := cursor
	if start == "" {
		start = c.initialDeltaURL(mb.Address)
	}

	msgs, next, err := c.drainDelta(ctx, start)
	if err != nil && cursor != "" && IsGone(err) {
		c.logger.Warn("delta token expired (410 Gone), performing full re-sync",
			"mailbox", mb.Address,
		)
		msgs, next, err = c.drainDelta(ctx, c.initialDeltaURL(mb.Address))
	}
	if err != nil {
		return nil, "", err
	}

	c.logger.Debug("delta sync complete",
		"mailbox", mb.Address,
		"messages", len(msgs),
	)
	return msgs, next, nil
}

func (c *Client) initialDeltaURL(address string) string {
	params := url.Values{}
	params.Set("$select", "id,subject,from,bodyPreview,body,receivedDateTime")
	return c.userURL(address, "/mailFolders/inbox/messages/delta?"+params.Encode())
}

// drainDelta follows nextLinks until a deltaLink arrives.
func (c *Client) drainDelta(ctx context.Context, startURL string) ([]models.Message, string, error) {
	var msgs []models.Message
	pageCount := 0

	for nextURL := startURL; nextURL != ""; {
		var page deltaResponse
		if err := c.do(ctx, http.MethodGet, nextURL, nil, &page, http.StatusOK); err != nil {
			return nil, "", fmt.Errorf("delta page %d: %w", pageCount, err)
		}
		pageCount++

		for _, m := range page.Value {
			if m.Removed != nil {
				continue
			}
			msgs = append(msgs, m.toModel())
		}

		if page.DeltaLink != "" {
			return msgs, page.DeltaLink, nil
		}
		nextURL = page.NextLink
	}

	return nil, "", errNoDeltaLink
}
