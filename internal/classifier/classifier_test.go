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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/quarantine/internal/models"
	"github.com/bcem/quarantine/internal/verdict"
)

type sourceFunc func(ctx context.Context, req Request) (verdict.Raw, error)

func (f sourceFunc) Classify(ctx context.Context, req Request) (verdict.Raw, error) {
	return f(ctx, req)
}

func score(v float64) *float64 { return &v }

func TestSelectBody(t *testing.T) {
	t.Run("prefers full body", func(t *testing.T) {
		msg := models.Message{BodyPreview: "preview", Body: models.EmailBody{ContentType: "text", Content: "full body"}}
		assert.Equal(t, "full body", SelectBody(msg))
	})
	t.Run("falls back to preview", func(t *testing.T) {
		msg := models.Message{BodyPreview: "preview"}
		assert.Equal(t, "preview", SelectBody(msg))
	})
	t.Run("flattens html", func(t *testing.T) {
		msg := models.Message{Body: models.EmailBody{
			ContentType: "html",
			Content:     "<p>Hello <b>there</b></p>",
		}}
		got := SelectBody(msg)
		assert.NotContains(t, got, "<p>")
		assert.Contains(t, got, "Hello")
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc"+TruncationMarker, Truncate("abcdef", 3))
	assert.Equal(t, "unbounded", Truncate("unbounded", 0))

	// multi-byte runes are never split
	got := Truncate("ééééé", 2)
	assert.Equal(t, "éé"+TruncationMarker, got)
}

// TestPrepare_LinksFromUntruncatedBody verifies that a link past the budget
// still reaches the source.
func TestPrepare_LinksFromUntruncatedBody(t *testing.T) {
	p := NewPipeline(Config{BodyBudget: 20})
	body := strings.Repeat("filler ", 20) + "see http://203.0.113.5/login now"

	req := p.Prepare(models.Message{
		From: models.EmailAddress{Address: "x@evil.test"},
		Body: models.EmailBody{ContentType: "text", Content: body},
	})

	assert.True(t, strings.HasSuffix(req.Body, TruncationMarker))
	assert.NotContains(t, req.Body, "203.0.113.5")
	assert.Equal(t, []string{"http://203.0.113.5/login"}, req.URLs)
	require.Len(t, req.Warnings, 1)
	assert.Contains(t, req.Warnings[0], "IP-literal host 203.0.113.5")
	assert.Equal(t, "x@evil.test", req.Sender)
}

func TestClassify_Normalizes(t *testing.T) {
	p := NewPipeline(Config{Source: sourceFunc(func(ctx context.Context, req Request) (verdict.Raw, error) {
		return verdict.Raw{Classification: "Phishing", RiskScore: score(40)}, nil
	})})

	v := p.Classify(context.Background(), models.Message{ID: "m1"})

	assert.Equal(t, models.ClassPhishing, v.Classification)
	assert.Equal(t, 75, v.RiskScore)
	assert.Equal(t, []string{verdict.MissingReasons}, v.Reasons)
}

func TestClassify_SourceErrorFailsClosed(t *testing.T) {
	p := NewPipeline(Config{Source: sourceFunc(func(ctx context.Context, req Request) (verdict.Raw, error) {
		return verdict.Raw{}, errors.New("connection refused")
	})})

	v := p.Classify(context.Background(), models.Message{ID: "m1"})

	assert.Equal(t, models.ClassPhishing, v.Classification)
	assert.Equal(t, verdict.FailClosedScore, v.RiskScore)
	require.Len(t, v.Reasons, 1)
	assert.Contains(t, v.Reasons[0], "connection refused")
}

// TestClassify_TimeoutFailsClosed covers a verdict source that hangs.
func TestClassify_TimeoutFailsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	p := NewPipeline(Config{
		Source:  NewHTTPSource(server.URL, server.Client()),
		Timeout: 50 * time.Millisecond,
	})

	v := p.Classify(context.Background(), models.Message{ID: "m1", Subject: "hi"})

	assert.Equal(t, models.ClassPhishing, v.Classification)
	assert.Equal(t, 90, v.RiskScore)
	require.Len(t, v.Reasons, 1)
	assert.Contains(t, v.Reasons[0], "failing closed")
}

func TestClassify_NullReplyFailsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("null"))
	}))
	defer server.Close()

	p := NewPipeline(Config{Source: NewHTTPSource(server.URL, server.Client())})
	v := p.Classify(context.Background(), models.Message{ID: "m1", Subject: "hi"})

	assert.Equal(t, models.ClassPhishing, v.Classification)
	assert.Equal(t, verdict.FailClosedScore, v.RiskScore)
}

func TestClassify_PanicFailsClosed(t *testing.T) {
	p := NewPipeline(Config{Source: sourceFunc(func(ctx context.Context, req Request) (verdict.Raw, error) {
		panic("boom")
	})})

	v := p.Classify(context.Background(), models.Message{ID: "m1"})
	assert.Equal(t, models.ClassPhishing, v.Classification)
}

func TestClassify_NoSourceFailsClosed(t *testing.T) {
	v := NewPipeline(Config{}).Classify(context.Background(), models.Message{})
	assert.Equal(t, models.ClassPhishing, v.Classification)
}

func TestHTTPSource(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"classification":"spam","risk_score":"55","reasons":"bulk sender"}`))
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, server.Client())
	raw, err := src.Classify(context.Background(), Request{
		Sender:   "a@b.c",
		Subject:  "deal",
		URLs:     []string{"http://x.top"},
		Warnings: []string{"suspicious TLD .top on host x.top"},
	})
	require.NoError(t, err)

	assert.Equal(t, "spam", raw.Classification)
	require.NotNil(t, raw.RiskScore)
	assert.Equal(t, 55.0, *raw.RiskScore)
	assert.Equal(t, []string{"bulk sender"}, raw.Reasons)
	assert.Equal(t, "a@b.c", got.Sender)
	assert.Equal(t, []string{"suspicious TLD .top on host x.top"}, got.Warnings)
}

func TestHTTPSource_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"detail":"ollama down"}`},
		{"not json", http.StatusOK, `I think this is spam`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPSource(server.URL, server.Client()).Classify(context.Background(), Request{})
			assert.Error(t, err)
		})
	}
}

func TestOpenAISource(t *testing.T) {
	var prompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 2)
		prompt = body.Messages[1].Content

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  body.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]string{
					"role":    "assistant",
					"content": "Sure!\n```json\n{\"classification\":\"phishing\",\"risk_score\":88,\"reasons\":[\"credential lure\"]}\n```",
				},
			}},
		})
	}))
	defer server.Close()

	src := NewOpenAISource(OpenAIConfig{BaseURL: server.URL + "/v1", APIKey: "k", Model: "llama3.1:8b"})
	raw, err := src.Classify(context.Background(), Request{
		Sender:   "x@evil.test",
		Subject:  "Reset your password",
		Body:     "click the link",
		URLs:     []string{"http://203.0.113.5/login"},
		Warnings: []string{"IP-literal host 203.0.113.5 in link http://203.0.113.5/login"},
	})
	require.NoError(t, err)

	assert.Equal(t, "phishing", raw.Classification)
	assert.Equal(t, []string{"credential lure"}, raw.Reasons)
	assert.Contains(t, prompt, "From: x@evil.test")
	assert.Contains(t, prompt, "CRITICAL: IP-literal host 203.0.113.5")
	assert.Contains(t, prompt, "- http://203.0.113.5/login")
}

func TestRuleSource(t *testing.T) {
	src := NewRuleSource(nil, "corp.com")

	t.Run("pressure language from outside", func(t *testing.T) {
		raw, err := src.Classify(context.Background(), Request{
			Sender:  "billing@evil.test",
			Subject: "URGENT: payment overdue",
			Body:    "Click here to verify your account",
		})
		require.NoError(t, err)
		assert.Equal(t, "phishing", raw.Classification)
		assert.Equal(t, 80.0, *raw.RiskScore)
		assert.Len(t, raw.Reasons, 4)
	})

	t.Run("internal sender gets credit", func(t *testing.T) {
		raw, err := src.Classify(context.Background(), Request{
			Sender:  "hr@corp.com",
			Subject: "Payment schedule",
		})
		require.NoError(t, err)
		assert.Equal(t, "safe", raw.Classification)
		assert.Equal(t, 5.0, *raw.RiskScore)
	})

	t.Run("link warnings weigh in", func(t *testing.T) {
		raw, err := src.Classify(context.Background(), Request{
			Sender:   "x@evil.test",
			Warnings: []string{"IP-literal host 203.0.113.5 in link http://203.0.113.5/login"},
		})
		require.NoError(t, err)
		assert.Equal(t, "spam", raw.Classification)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := src.Classify(ctx, Request{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
