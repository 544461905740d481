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

// Package queue publishes quarantine decisions to Redis as Celery-compatible
// tasks so downstream workers (alerting, reporting) can react to them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/quarantine/internal/logging"
	"github.com/bcem/quarantine/internal/models"
)

// DefaultQueue is the Redis list decisions are pushed to.
const DefaultQueue = "quarantine_decisions"

// DefaultTask is the Celery task name consumers register.
const DefaultTask = "quarantine.tasks.record_decision"

// Publisher sends decision events to Redis in Celery task format.
type Publisher struct {
	rdb       *redis.Client
	queueName string
	taskName  string
	logger    *slog.Logger
}

// NewPublisher creates a Redis publisher targeting queueName.
func NewPublisher(rdb *redis.Client, queueName string, logger *slog.Logger) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
		taskName:  DefaultTask,
		logger:    logging.OrDiscard(logger),
	}
}

// celeryTask represents a Celery-compatible task message.
type celeryTask struct {
	ID      string         `json:"id"`
	Task    string         `json:"task"`
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
	Retries int            `json:"retries"`
	ETA     *string        `json:"eta"`
}

// celeryMessage wraps a task for Redis transport.
type celeryMessage struct {
	Body            string         `json:"body"`
	ContentEncoding string         `json:"content-encoding"`
	ContentType     string         `json:"content-type"`
	Headers         map[string]any `json:"headers"`
	Properties      map[string]any `json:"properties"`
}

// PublishDecision pushes one event onto the queue.
func (p *Publisher) PublishDecision(ctx context.Context, ev models.Event) error {
	taskID := uuid.NewString()
	msg, err := p.envelope(taskID, ev)
	if err != nil {
		return err
	}

	if err := p.rdb.LPush(ctx, p.queueName, msg).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	p.logger.Debug("published decision to queue",
		"task_id", taskID,
		"event_id", ev.ID,
		"message_id", ev.MessageID,
		"tenant", ev.TenantAlias,
		"queue", p.queueName,
	)
	return nil
}

// envelope builds the Celery message for ev.
func (p *Publisher) envelope(taskID string, ev models.Event) (string, error) {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal decision event: %w", err)
	}

	taskBody, err := json.Marshal(celeryTask{
		ID:     taskID,
		Task:   p.taskName,
		Args:   []any{string(eventJSON)},
		Kwargs: map[string]any{},
	})
	if err != nil {
		return "", fmt.Errorf("marshal celery task: %w", err)
	}

	msgJSON, err := json.Marshal(celeryMessage{
		Body:            string(taskBody),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]any{
			"lang":    "py",
			"task":    p.taskName,
			"id":      taskID,
			"retries": 0,
		},
		Properties: map[string]any{
			"correlation_id": taskID,
			"delivery_mode":  2,
			"delivery_tag":   taskID,
			"body_encoding":  "utf-8",
			"delivery_info": map[string]string{
				"exchange":    p.queueName,
				"routing_key": p.queueName,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal celery message: %w", err)
	}
	return string(msgJSON), nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
