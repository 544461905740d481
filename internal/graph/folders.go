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

type mailFolder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type mailFoldersResponse struct {
	Value []mailFolder `json:"value"`
}

// ResolveOrCreateFolder returns the id of the named top-level folder,
// creating it if needed. A conflict on creation (the folder already exists,
// possibly created concurrently) falls back to a lookup by name. Other
// creation failures are returned.
func (c *Client) ResolveOrCreateFolder(ctx context.Context, mb models.Mailbox, name string) (string, error) {
	var created mailFolder
	err := c.do(ctx, http.MethodPost, c.userURL(mb.Address, "/mailFolders"),
		map[string]string{"displayName": name}, &created,
		http.StatusCreated, http.StatusOK)
	if err == nil {
		if created.ID == "" {
			return "", fmt.Errorf("create folder %q: response carried no id", name)
		}
		c.logger.Info("quarantine folder created",
			"mailbox", mb.Address,
			"folder", name,
		)
		return created.ID, nil
	}

	if !IsConflict(err) {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}

	c.logger.Debug("quarantine folder already exists, looking it up",
		"mailbox", mb.Address,
		"folder", name,
	)
	return c.findFolder(ctx, mb, name)
}

// findFolder looks up a top-level folder by display name.
func (c *Client) findFolder(ctx context.Context, mb models.Mailbox, name string) (string, error) {
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("displayName eq '%s'", strings.ReplaceAll(name, "'", "''")))
	params.Set("$select", "id,displayName")

	var page mailFoldersResponse
	if err := c.do(ctx, http.MethodGet, c.userURL(mb.Address, "/mailFolders?"+params.Encode()),
		nil, &page, http.StatusOK); err != nil {
		return "", fmt.Errorf("look up folder %q: %w", name, err)
	}

	for _, f := range page.Value {
		if strings.EqualFold(f.DisplayName, name) && f.ID != "" {
			return f.ID, nil
		}
	}
	return "", fmt.Errorf("folder %q reported as existing but not found", name)
}

// InboxFolderID returns the id of the mailbox's inbox.
func (c *Client) InboxFolderID(ctx context.Context, mb models.Mailbox) (string, error) {
	var f mailFolder
	if err := c.do(ctx, http.MethodGet, c.userURL(mb.Address, "/mailFolders/inbox"),
		nil, &f, http.StatusOK); err != nil {
		return "", fmt.Errorf("get inbox folder: %w", err)
	}
	if f.ID == "" {
		return "", fmt.Errorf("get inbox folder: response carried no id")
	}
	return f.ID, nil
}

// MoveMessage moves a message into folderID and returns the message's id
// in its new location (Graph assigns a new id on move). It makes one
// attempt; failures are returned to the caller.
func (c *Client) MoveMessage(ctx context.Context, mb models.Mailbox, messageID, folderID string) (string, error) {
	var moved struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost,
		c.userURL(mb.Address, "/messages/"+url.PathEscape(messageID)+"/move"),
		map[string]string{"destinationId": folderID}, &moved,
		http.StatusCreated, http.StatusOK)
	if err != nil {
		return "", fmt.Errorf("move message: %w", err)
	}
	if moved.ID == "" {
		return messageID, nil
	}
	return moved.ID, nil
}
