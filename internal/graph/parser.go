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
	"time"

	"github.com/bcem/quarantine/internal/models"
)

// graphMessage represents the fields we select from a Graph message.
type graphMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    *struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
	} `json:"from"`
	BodyPreview string `json:"bodyPreview"`
	Body        *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	ReceivedDateTime string `json:"receivedDateTime"`
	Removed          *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

// toModel converts a Graph message into a models.Message. Missing sender or
// body fields become empty values.
func (m graphMessage) toModel() models.Message {
	msg := models.Message{
		ID:          m.ID,
		Subject:     m.Subject,
		BodyPreview: m.BodyPreview,
	}

	if m.From != nil {
		msg.From = models.EmailAddress{
			Address: m.From.EmailAddress.Address,
			Name:    m.From.EmailAddress.Name,
		}
	}

	if m.Body != nil {
		msg.Body = models.EmailBody{
			ContentType: m.Body.ContentType,
			Content:     m.Body.Content,
		}
	}

	if t, err := time.Parse(time.RFC3339, m.ReceivedDateTime); err == nil {
		msg.ReceivedAt = t.UTC()
	}

	return msg
}
