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

package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/quarantine/internal/models"
	"github.com/bcem/quarantine/internal/store"
	"github.com/bcem/quarantine/internal/verdict"
)

var errNotFound = errors.New("not found")

// fakeGateway is an in-memory mailbox service.
type fakeGateway struct {
	mu        sync.Mutex
	mailboxes []models.Mailbox
	inbox     map[string][]models.Message // by address
	fetchErr  map[string]error
	moveErr   map[string]error // by message id
	folderErr error

	folderCalls int
	moves       []string
	cursorsSeen map[string][]string
}

func newFakeGateway(mailboxes ...string) *fakeGateway {
	g := &fakeGateway{
		inbox:       make(map[string][]models.Message),
		fetchErr:    make(map[string]error),
		moveErr:     make(map[string]error),
		cursorsSeen: make(map[string][]string),
	}
	for _, addr := range mailboxes {
		g.mailboxes = append(g.mailboxes, models.Mailbox{TenantAlias: "corp", Address: addr})
	}
	return g
}

func (g *fakeGateway) DiscoverMailboxes(ctx context.Context) []models.Mailbox {
	return g.mailboxes
}

func (g *fakeGateway) FetchChanges(ctx context.Context, mb models.Mailbox, cursor string) ([]models.Message, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cursorsSeen[mb.Address] = append(g.cursorsSeen[mb.Address], cursor)
	if err := g.fetchErr[mb.Address]; err != nil {
		return nil, "", err
	}
	return g.inbox[mb.Address], "cursor-after-" + mb.Address, nil
}

func (g *fakeGateway) ResolveOrCreateFolder(ctx context.Context, mb models.Mailbox, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.folderCalls++
	if g.folderErr != nil {
		return "", g.folderErr
	}
	return "folder-" + name, nil
}

func (g *fakeGateway) MoveMessage(ctx context.Context, mb models.Mailbox, messageID, folderID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.moveErr[messageID]; err != nil {
		return "", err
	}
	g.moves = append(g.moves, messageID+"->"+folderID)
	return messageID + "-moved", nil
}

// scriptedClassifier returns canned raw verdicts by message id, normalised
// the way the real pipeline does.
type scriptedClassifier map[string]verdict.Raw

func (s scriptedClassifier) Classify(ctx context.Context, msg models.Message) models.Verdict {
	raw, ok := s[msg.ID]
	if !ok {
		return verdict.FailClosed(errors.New("no script"))
	}
	return verdict.Normalize(raw)
}

func raw(class string, score float64) verdict.Raw {
	return verdict.Raw{Classification: class, RiskScore: &score, Reasons: []string{"scripted"}}
}

func msg(id, from string) models.Message {
	return models.Message{ID: id, From: models.EmailAddress{Address: from}, Subject: "s " + id}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (n *recordingNotifier) PublishDecision(ctx context.Context, ev models.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

// failingEvents wraps an EventLog and fails Append for one message id.
type failingEvents struct {
	store.EventLog
	failID string
}

func (f failingEvents) Append(ctx context.Context, ev models.NewEvent) (int64, error) {
	if ev.Message.ID == f.failID {
		return 0, errors.New("disk full")
	}
	return f.EventLog.Append(ctx, ev)
}

func newPoller(t *testing.T, gw *fakeGateway, cls Classifier, st *store.Memory, mutate func(*Config)) *Poller {
	t.Helper()
	cfg := Config{
		Tenants:    []Tenant{{Alias: "corp", Gateway: gw, OrgDomain: "corp.com"}},
		Classifier: cls,
		State:      st,
		Events:     st,
		IsNotFound: func(err error) bool { return errors.Is(err, errNotFound) },
		Threshold:  60,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

// TestRunCycle_ScenariosAB covers an external phishing message that gets
// quarantined and an internal malicious one that does not.
func TestRunCycle_ScenariosAB(t *testing.T) {
	gw := newFakeGateway("alice@corp.com")
	gw.inbox["alice@corp.com"] = []models.Message{
		msg("a", "attacker@external.com"),
		msg("b", "ceo@corp.com"),
	}
	cls := scriptedClassifier{
		"a": raw("phishing", 40),
		"b": raw("malicious", 95),
	}
	st := store.NewMemory()
	notifier := &recordingNotifier{}
	p := newPoller(t, gw, cls, st, func(c *Config) { c.Notifier = notifier })

	res := p.RunCycle(context.Background())

	assert.Equal(t, CycleResult{Mailboxes: 1, Messages: 2, Quarantined: 1}, res)
	assert.Equal(t, []string{"a->folder-AI-Quarantine"}, gw.moves)

	events, err := st.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	b, a := events[0], events[1]
	assert.Equal(t, "a", a.MessageID)
	assert.Equal(t, 75, a.RiskScore)
	assert.True(t, a.Moved)
	assert.Equal(t, "a-moved", a.MovedMessageID)
	assert.Contains(t, a.Rule, "external")

	assert.Equal(t, "b", b.MessageID)
	assert.False(t, b.Moved)
	assert.Equal(t, 95, b.RiskScore)

	state, err := st.Load(context.Background(), models.Mailbox{TenantAlias: "corp", Address: "alice@corp.com"})
	require.NoError(t, err)
	assert.Equal(t, "cursor-after-alice@corp.com", state.Cursor)
	assert.Equal(t, "folder-AI-Quarantine", state.FolderID)

	require.Len(t, notifier.events, 2)
	assert.Equal(t, int64(1), notifier.events[0].ID)
	assert.True(t, notifier.events[0].Moved)
}

func TestRunCycle_FailingMailboxDoesNotAbortCycle(t *testing.T) {
	gw := newFakeGateway("broken@corp.com", "ok@corp.com")
	gw.fetchErr["broken@corp.com"] = errors.New("503 service unavailable")
	gw.inbox["ok@corp.com"] = []models.Message{msg("x", "spammer@external.com")}
	st := store.NewMemory()
	p := newPoller(t, gw, scriptedClassifier{"x": raw("spam", 80)}, st, nil)

	res := p.RunCycle(context.Background())

	assert.Equal(t, 2, res.Mailboxes)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Quarantined)

	broken, err := st.Load(context.Background(), gw.mailboxes[0])
	require.NoError(t, err)
	assert.Empty(t, broken.Cursor)
}

// TestRunCycle_CursorNotAdvancedOnRecordFailure verifies that a pass that
// stops partway keeps the old cursor, so the next cycle replays it.
func TestRunCycle_CursorNotAdvancedOnRecordFailure(t *testing.T) {
	gw := newFakeGateway("alice@corp.com")
	gw.inbox["alice@corp.com"] = []models.Message{msg("1", "x@external.com"), msg("2", "y@external.com")}
	st := store.NewMemory()
	mb := gw.mailboxes[0]
	require.NoError(t, st.Save(context.Background(), mb, models.MailboxState{Cursor: "old", FolderID: "f"}))

	p := newPoller(t, gw, scriptedClassifier{"1": raw("safe", 1), "2": raw("safe", 1)}, st, func(c *Config) {
		c.Events = failingEvents{EventLog: st, failID: "2"}
	})

	res := p.RunCycle(context.Background())
	assert.Equal(t, 1, res.Failed)

	state, err := st.Load(context.Background(), mb)
	require.NoError(t, err)
	assert.Equal(t, "old", state.Cursor)

	// next cycle starts from the same cursor
	p.RunCycle(context.Background())
	assert.Equal(t, []string{"old", "old"}, gw.cursorsSeen["alice@corp.com"])
}

func TestRunCycle_CursorNotAdvancedOnFetchFailure(t *testing.T) {
	gw := newFakeGateway("alice@corp.com")
	gw.fetchErr["alice@corp.com"] = errors.New("page 2 failed")
	st := store.NewMemory()
	mb := gw.mailboxes[0]
	require.NoError(t, st.Save(context.Background(), mb, models.MailboxState{Cursor: "old", FolderID: "f"}))

	p := newPoller(t, gw, scriptedClassifier{}, st, nil)
	p.RunCycle(context.Background())

	state, err := st.Load(context.Background(), mb)
	require.NoError(t, err)
	assert.Equal(t, models.MailboxState{Cursor: "old", FolderID: "f"}, state)
}

func TestRunCycle_MoveFailureIsRecorded(t *testing.T) {
	gw := newFakeGateway("alice@corp.com")
	gw.inbox["alice@corp.com"] = []models.Message{msg("a", "attacker@external.com")}
	gw.moveErr["a"] = errors.New("throttled")
	st := store.NewMemory()
	p := newPoller(t, gw, scriptedClassifier{"a": raw("phishing", 90)}, st, nil)

	res := p.RunCycle(context.Background())
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Quarantined)

	ev, err := st.Get(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.False(t, ev.Moved)
	assert.Contains(t, ev.Rule, "move failed")

	// cursor still advances; the decision is on record
	state, _ := st.Load(context.Background(), gw.mailboxes[0])
	assert.Equal(t, "cursor-after-alice@corp.com", state.Cursor)
	assert.Equal(t, "folder-AI-Quarantine", state.FolderID)
}

// TestRunCycle_StaleFolderInvalidated verifies that a not-found move drops
// the cached folder id and the next message re-resolves it.
func TestRunCycle_StaleFolderInvalidated(t *testing.T) {
	gw := newFakeGateway("alice@corp.com")
	gw.inbox["alice@corp.com"] = []models.Message{msg("a", "x@external.com"), msg("b", "y@external.com")}
	gw.moveErr["a"] = errNotFound
	st := store.NewMemory()
	mb := gw.mailboxes[0]
	require.NoError(t, st.Save(context.Background(), mb, models.MailboxState{FolderID: "deleted-folder"}))

	p := newPoller(t, gw, scriptedClassifier{"a": raw("phishing", 90), "b": raw("phishing", 90)}, st, nil)
	res := p.RunCycle(context.Background())

	assert.Equal(t, 1, res.Quarantined)
	assert.Equal(t, 1, gw.folderCalls)
	assert.Equal(t, []string{"b->folder-AI-Quarantine"}, gw.moves)

	state, err := st.Load(context.Background(), mb)
	require.NoError(t, err)
	assert.Equal(t, "folder-AI-Quarantine", state.FolderID)
}

func TestRunCycle_FolderFailureSkipsMailbox(t *testing.T) {
	gw := newFakeGateway("alice@corp.com")
	gw.folderErr = errors.New("forbidden")
	gw.inbox["alice@corp.com"] = []models.Message{msg("a", "x@external.com")}
	st := store.NewMemory()
	p := newPoller(t, gw, scriptedClassifier{"a": raw("safe", 0)}, st, nil)

	res := p.RunCycle(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, gw.cursorsSeen)

	stats, _ := st.Stats(context.Background())
	assert.Zero(t, stats.Total)
}

func TestRunCycle_NotifierFailureIsNotFatal(t *testing.T) {
	gw := newFakeGateway("alice@corp.com")
	gw.inbox["alice@corp.com"] = []models.Message{msg("a", "x@external.com")}
	st := store.NewMemory()
	notifier := &recordingNotifier{err: errors.New("redis down")}
	p := newPoller(t, gw, scriptedClassifier{"a": raw("safe", 0)}, st, func(c *Config) { c.Notifier = notifier })

	res := p.RunCycle(context.Background())
	assert.Zero(t, res.Failed)
	assert.Len(t, notifier.events, 1)
}

func TestRunCycle_ParallelWorkers(t *testing.T) {
	addrs := []string{"a@corp.com", "b@corp.com", "c@corp.com", "d@corp.com"}
	gw := newFakeGateway(addrs...)
	cls := scriptedClassifier{}
	for _, addr := range addrs {
		id := "m-" + addr
		gw.inbox[addr] = []models.Message{msg(id, "x@external.com")}
		cls[id] = raw("spam", 70)
	}
	st := store.NewMemory()
	p := newPoller(t, gw, cls, st, func(c *Config) { c.Workers = 3 })

	res := p.RunCycle(context.Background())
	assert.Equal(t, CycleResult{Mailboxes: 4, Messages: 4, Quarantined: 4}, res)
	assert.Len(t, gw.moves, 4)
}

type panickyClassifier struct{}

func (panickyClassifier) Classify(ctx context.Context, msg models.Message) models.Verdict {
	panic("bad model")
}

func TestRunCycle_PanicContained(t *testing.T) {
	gw := newFakeGateway("alice@corp.com", "bob@corp.com")
	gw.inbox["alice@corp.com"] = []models.Message{msg("a", "x@external.com")}
	st := store.NewMemory()
	p := newPoller(t, gw, panickyClassifier{}, st, nil)

	res := p.RunCycle(context.Background())
	assert.Equal(t, 2, res.Mailboxes)
	assert.Equal(t, 1, res.Failed)
}

func TestRun_StopsOnCancel(t *testing.T) {
	gw := newFakeGateway()
	st := store.NewMemory()
	p := newPoller(t, gw, scriptedClassifier{}, st, func(c *Config) { c.Interval = 10 * time.Millisecond })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	st := store.NewMemory()
	_, err = New(Config{Tenants: []Tenant{{Alias: "corp"}}, State: st, Events: st})
	assert.Error(t, err)

	p, err := New(Config{Classifier: scriptedClassifier{}, State: st, Events: st})
	require.NoError(t, err)
	assert.Equal(t, DefaultFolderName, p.folderName)
	assert.Equal(t, DefaultInterval, p.interval)
	assert.Equal(t, 1, p.workers)
}

// TestRunCycle_TenantClassifier checks that a tenant's own classifier is
// used for its mail instead of the shared one.
func TestRunCycle_TenantClassifier(t *testing.T) {
	corp := newFakeGateway("alice@corp.com")
	corp.inbox["alice@corp.com"] = []models.Message{msg("a", "x@external.com")}
	other := newFakeGateway("bob@other.com")
	other.inbox["bob@other.com"] = []models.Message{msg("a", "x@external.com")}

	st := store.NewMemory()
	p, err := New(Config{
		Tenants: []Tenant{
			{Alias: "corp", Gateway: corp, OrgDomain: "corp.com"},
			{Alias: "other", Gateway: other, OrgDomain: "other.com", Classifier: scriptedClassifier{"a": raw("safe", 5)}},
		},
		Classifier: scriptedClassifier{"a": raw("phishing", 90)},
		State:      st,
		Events:     st,
		Threshold:  60,
	})
	require.NoError(t, err)

	res := p.RunCycle(context.Background())

	assert.Equal(t, 1, res.Quarantined)
	assert.Len(t, corp.moves, 1)
	assert.Empty(t, other.moves)
}
