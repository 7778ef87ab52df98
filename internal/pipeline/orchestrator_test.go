package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/ingest-comb/internal/classifier"
	"github.com/lysyi3m/ingest-comb/internal/connector"
	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/fault"
	"github.com/lysyi3m/ingest-comb/internal/normalize"
)

type fakeConnector struct {
	items []connector.FetchedItem
	err   error
	calls int
}

func (f *fakeConnector) Fetch(ctx context.Context, source database.Source) ([]connector.FetchedItem, error) {
	f.calls++
	return f.items, f.err
}

type fakeCompleter struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeCompleter) Close() error { return nil }

// flakyCompleter fails only its failOn-th call.
type flakyCompleter struct {
	reply  string
	failOn int
	calls  int
}

func (f *flakyCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	if f.calls == f.failOn {
		return "", errors.New("connection reset")
	}
	return f.reply, nil
}

func (f *flakyCompleter) Close() error { return nil }

type testEnv struct {
	store     *database.Store
	connector *fakeConnector
	completer *fakeCompleter
	orch      *Orchestrator
	now       time.Time
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, _, err = database.RunMigrations(db)
	require.NoError(t, err)

	env := &testEnv{
		store:     database.NewStore(db),
		connector: &fakeConnector{},
		completer: &fakeCompleter{reply: `{"complianceStatus":"COMPLIANT","violations":[]}`},
		now:       time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
	}

	registry := connector.NewRegistry()
	registry.Register(database.ChannelWeb, env.connector)

	env.orch = NewOrchestrator(env.store, registry, classifier.NewLLMClassifier(env.completer, time.Second), nil)
	env.orch.now = func() time.Time { return env.now }
	return env
}

func intPtr(v int) *int { return &v }

func (e *testEnv) seed(t *testing.T, channel database.Channel, freq *int) (database.Source, database.IngestionRun) {
	t.Helper()
	ctx := context.Background()

	src := database.Source{
		ID:                    "acme-" + string(channel),
		Channel:               channel,
		CountryCode:           "de",
		URL:                   "https://acme.test",
		CrawlFrequencyMinutes: freq,
		IsEnabled:             true,
	}
	require.NoError(t, e.store.Sources.Upsert(ctx, src, e.now))

	run := e.newRun(t, src)
	return src, run
}

func (e *testEnv) newRun(t *testing.T, src database.Source) database.IngestionRun {
	t.Helper()
	run := database.IngestionRun{
		SourceID:    src.ID,
		RunType:     src.Channel.RunType(),
		Channel:     src.Channel,
		CountryCode: src.CountryCode,
		Status:      database.RunStatusRunning,
	}
	require.NoError(t, e.store.Runs.Create(context.Background(), &run))
	return run
}

func page(id, text string) connector.FetchedItem {
	return connector.FetchedItem{
		ExternalID: id,
		URL:        "https://acme.test/" + id,
		Fields:     normalize.Fields{Title: id, MainText: text},
		Status:     database.FetchStatusOK,
	}
}

func (e *testEnv) auditTypes(t *testing.T, entityID string) []string {
	t.Helper()
	events, err := e.store.Audit.List(context.Background(), database.AuditFilter{EntityID: entityID})
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	return types
}

func TestRunWithItemFailureEndsPartial(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	src, run := env.seed(t, database.ChannelWeb, intPtr(60))

	env.connector.items = []connector.FetchedItem{
		page("a", "Anvils on sale"),
		page("b", "Rocket skates"),
		{ExternalID: "c", URL: "https://acme.test/c", Status: database.FetchStatusHTTPError, Error: "HTTP error: 404 Not Found"},
	}

	rc, err := env.orch.Run(ctx, src, run)
	require.NoError(t, err)
	assert.Equal(t, database.RunStatusPartial, rc.Run.Status)
	assert.Equal(t, 3, rc.ItemsFetched)
	assert.Len(t, rc.NormalizedItems, 2)
	assert.Equal(t, 2, rc.ItemsChanged)
	assert.Equal(t, 1, rc.ItemsFailed)

	stored, err := env.store.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, database.RunStatusPartial, stored.Status)
	assert.Equal(t, 1, stored.ItemsFailed)
	assert.Equal(t, 3, stored.ItemsFetched)
	assert.Equal(t, 2, stored.ItemsChanged)
	require.NotNil(t, stored.CompletedAt)
	assert.Empty(t, stored.LastError)

	source, err := env.store.Sources.Get(ctx, src.ID)
	require.NoError(t, err)
	require.NotNil(t, source.LastRunAt)
	require.NotNil(t, source.NextRunAt)
	assert.WithinDuration(t, env.now, *source.LastRunAt, time.Millisecond)
	assert.WithinDuration(t, env.now.Add(60*time.Minute), *source.NextRunAt, time.Millisecond)

	assert.Equal(t, []string{database.EventRunStarted, database.EventRunCompleted}, env.auditTypes(t, run.ID))
	assert.Equal(t, 2, env.completer.calls)
}

func TestRunRecordsDuplicateExternalIDs(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	src, run := env.seed(t, database.ChannelWeb, intPtr(60))

	env.connector.items = []connector.FetchedItem{
		page("a", "first text"),
		page("b", "other text"),
		page("a", "second text"),
	}

	rc, err := env.orch.Run(ctx, src, run)
	require.NoError(t, err)
	assert.Equal(t, database.RunStatusPartial, rc.Run.Status)
	assert.Equal(t, 3, rc.ItemsFetched)
	assert.Equal(t, 2, rc.ItemsChanged)
	assert.Equal(t, 1, rc.ItemsFailed)
	require.Len(t, rc.StoredRevisions, 2)
	assert.Equal(t, "a first text", rc.StoredRevisions[0].Revision.Text)
	assert.Equal(t, 2, env.completer.calls)
	assert.Equal(t, database.FetchStatusOK, env.connector.items[2].Status, "connector result is not mutated")

	items, err := env.store.Items.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)

	statuses := map[database.FetchStatus]int{}
	for _, item := range items {
		statuses[item.FetchStatus]++
		if item.FetchStatus == database.FetchStatusDuplicate {
			assert.Equal(t, "a", item.ExternalID)
			assert.NotEmpty(t, item.FetchError)
		}
	}
	assert.Equal(t, map[database.FetchStatus]int{database.FetchStatusOK: 2, database.FetchStatusDuplicate: 1}, statuses)
}

func TestMarkDuplicates(t *testing.T) {
	failed := connector.FetchedItem{ExternalID: "a", Status: database.FetchStatusTimeout}

	tests := []struct {
		name     string
		items    []connector.FetchedItem
		expected []database.FetchStatus
	}{
		{
			name:     "unique ids",
			items:    []connector.FetchedItem{page("a", "x"), page("b", "y")},
			expected: []database.FetchStatus{database.FetchStatusOK, database.FetchStatusOK},
		},
		{
			name:     "repeated id",
			items:    []connector.FetchedItem{page("a", "x"), page("a", "y"), page("a", "z")},
			expected: []database.FetchStatus{database.FetchStatusOK, database.FetchStatusDuplicate, database.FetchStatusDuplicate},
		},
		{
			name:     "failed item does not claim the id",
			items:    []connector.FetchedItem{failed, page("a", "x")},
			expected: []database.FetchStatus{database.FetchStatusTimeout, database.FetchStatusOK},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := markDuplicates(tt.items)
			require.Len(t, got, len(tt.expected))
			for i, status := range tt.expected {
				assert.Equal(t, status, got[i].Status, "item %d", i)
			}
		})
	}
}

func TestRunSucceedsWhenEveryItemIsOK(t *testing.T) {
	env := setupTestEnv(t)
	src, run := env.seed(t, database.ChannelWeb, nil)
	env.connector.items = []connector.FetchedItem{page("a", "text")}

	rc, err := env.orch.Run(context.Background(), src, run)
	require.NoError(t, err)
	assert.Equal(t, database.RunStatusSucceeded, rc.Run.Status)
	assert.Equal(t, 0, rc.ItemsFailed)

	source, err := env.store.Sources.Get(context.Background(), src.ID)
	require.NoError(t, err)
	assert.NotNil(t, source.LastRunAt)
	assert.Nil(t, source.NextRunAt, "no frequency means no further scheduling")
}

func TestConnectorErrorFailsRun(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	src, run := env.seed(t, database.ChannelWeb, intPtr(60))
	env.connector.err = errors.New("connection reset by peer")

	_, err := env.orch.Run(ctx, src, run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Contains(t, err.Error(), "fetch-items")

	stored, err := env.store.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, database.RunStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "connection reset by peer")
	assert.NotNil(t, stored.CompletedAt)

	assert.Equal(t, []string{database.EventRunStarted, database.EventRunFailed}, env.auditTypes(t, run.ID))
}

func TestUnsupportedChannelIsConfigurationError(t *testing.T) {
	env := setupTestEnv(t)
	src, run := env.seed(t, database.ChannelLinkedIn, intPtr(60))

	_, err := env.orch.Run(context.Background(), src, run)
	require.Error(t, err)
	assert.True(t, fault.IsConfiguration(err))

	var unsupported *connector.UnsupportedChannelError
	assert.True(t, errors.As(err, &unsupported))
}

func TestFailedRunIsReopenedOnRetry(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	src, run := env.seed(t, database.ChannelWeb, intPtr(60))

	env.connector.err = errors.New("timeout")
	_, err := env.orch.Run(ctx, src, run)
	require.Error(t, err)

	env.connector.err = nil
	env.connector.items = []connector.FetchedItem{page("a", "text")}
	rc, err := env.orch.Run(ctx, src, run)
	require.NoError(t, err)
	assert.Equal(t, database.RunStatusSucceeded, rc.Run.Status)

	stored, err := env.store.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, database.RunStatusSucceeded, stored.Status)
	assert.Empty(t, stored.LastError)
}

func TestFinishedRunIsNotExecutedAgain(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	src, run := env.seed(t, database.ChannelWeb, intPtr(60))
	env.connector.items = []connector.FetchedItem{page("a", "text")}

	_, err := env.orch.Run(ctx, src, run)
	require.NoError(t, err)
	require.Equal(t, 1, env.connector.calls)

	rc, err := env.orch.Run(ctx, src, run)
	require.NoError(t, err)
	assert.Equal(t, 1, env.connector.calls)
	assert.Equal(t, database.RunStatusSucceeded, rc.Run.Status)
}

func TestDiffAcrossRuns(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	src, first := env.seed(t, database.ChannelWeb, intPtr(60))

	env.connector.items = []connector.FetchedItem{page("a", "Hello, World!"), page("b", "Second page")}
	rc, err := env.orch.Run(ctx, src, first)
	require.NoError(t, err)
	assert.Equal(t, 2, rc.ItemsChanged)
	for _, s := range rc.StoredRevisions {
		assert.True(t, s.Revision.IsNew())
	}

	// same text modulo case and punctuation, plus one real edit
	env.now = env.now.Add(time.Hour)
	env.connector.items = []connector.FetchedItem{page("a", "hello world"), page("b", "Second page, edited")}
	second := env.newRun(t, src)
	rc, err = env.orch.Run(ctx, src, second)
	require.NoError(t, err)
	assert.Equal(t, 1, rc.ItemsChanged)
	require.Len(t, rc.ChangedRevisions, 1)
	assert.Equal(t, "b", rc.ChangedRevisions[0].Content.ExternalID)
	assert.Equal(t, 2, rc.ChangedRevisions[0].Revision.RevisionNumber)

	stored, err := env.store.Runs.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ItemsChanged)
	assert.Equal(t, 3, env.completer.calls, "only changed revisions are classified")
}

func TestDiffIsIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	src, first := env.seed(t, database.ChannelWeb, intPtr(60))
	env.connector.items = []connector.FetchedItem{page("a", "one"), page("b", "two")}
	_, err := env.orch.Run(ctx, src, first)
	require.NoError(t, err)

	env.connector.items = []connector.FetchedItem{page("a", "one"), page("b", "two changed")}
	second := env.newRun(t, src)
	rc := &RunContext{Source: src, Run: second}
	require.NoError(t, env.orch.runStart(ctx, rc))
	require.NoError(t, env.orch.fetchItems(ctx, rc))
	require.NoError(t, env.orch.normalizeAndHash(ctx, rc))

	require.NoError(t, env.orch.diff(ctx, rc))
	firstPass := rc.ItemsChanged
	require.NoError(t, env.orch.diff(ctx, rc))

	assert.Equal(t, 1, firstPass)
	assert.Equal(t, firstPass, rc.ItemsChanged)
	assert.Len(t, rc.StoredRevisions, 2)
}

func TestAnalyzeParsesFencedResponseAndReportsViolation(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	src, run := env.seed(t, database.ChannelWeb, intPtr(60))
	env.connector.items = []connector.FetchedItem{page("a", "Guaranteed 100% returns")}
	env.completer.reply = "Sure.\n```json\n" +
		`{"complianceStatus":"NON_COMPLIANT","violations":[{"rule":"guaranteed-returns","severity":"high"}],"languageDetected":"en","languageConfidence":0.93}` +
		"\n```"

	rc, err := env.orch.Run(ctx, src, run)
	require.NoError(t, err)
	assert.Equal(t, 1, rc.TicketsCreated)

	rev := rc.ChangedRevisions[0].Revision
	analysis, err := env.store.Contents.Analysis(ctx, rev.ID)
	require.NoError(t, err)
	require.NotNil(t, analysis)
	assert.Equal(t, "NON_COMPLIANT", analysis.ComplianceStatus)
	assert.Contains(t, analysis.Violations, "guaranteed-returns")
	assert.Equal(t, "en", analysis.LanguageDetected)

	stored, err := env.store.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TicketsCreated)

	violations, err := env.store.Audit.List(ctx, database.AuditFilter{EventType: database.EventViolation})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, rev.ID, violations[0].EntityID)
}

func TestAnalyzeCoercesInvalidStatus(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	src, run := env.seed(t, database.ChannelWeb, intPtr(60))
	env.connector.items = []connector.FetchedItem{page("a", "text")}
	env.completer.reply = `{"complianceStatus":"LOOKS_GOOD"}`

	rc, err := env.orch.Run(ctx, src, run)
	require.NoError(t, err)
	assert.Equal(t, database.RunStatusSucceeded, rc.Run.Status)

	analysis, err := env.store.Contents.Analysis(ctx, rc.ChangedRevisions[0].Revision.ID)
	require.NoError(t, err)
	assert.Equal(t, "UNCERTAIN", analysis.ComplianceStatus)
	assert.NotEmpty(t, analysis.Error)
	assert.Equal(t, 0, rc.TicketsCreated)
}

func TestClassifierTransportErrorFailsRunForRetry(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	src, run := env.seed(t, database.ChannelWeb, intPtr(60))
	env.connector.items = []connector.FetchedItem{page("a", "text")}
	env.completer.err = errors.New("529 overloaded")

	rc, err := env.orch.Run(ctx, src, run)
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
	assert.False(t, fault.IsConfiguration(err))
	assert.Equal(t, database.RunStatusFailed, rc.Run.Status)
	assert.Contains(t, rc.Run.LastError, "529 overloaded")

	revisionID := rc.ChangedRevisions[0].Revision.ID
	analysis, err := env.store.Contents.Analysis(ctx, revisionID)
	require.NoError(t, err)
	assert.Nil(t, analysis, "nothing is stored for an unreached classifier")

	env.completer.err = nil
	rc, err = env.orch.Run(ctx, src, run)
	require.NoError(t, err)
	assert.Equal(t, database.RunStatusSucceeded, rc.Run.Status)
	require.Len(t, rc.ChangedRevisions, 1)
	assert.Equal(t, revisionID, rc.ChangedRevisions[0].Revision.ID)

	analysis, err = env.store.Contents.Analysis(ctx, revisionID)
	require.NoError(t, err)
	require.NotNil(t, analysis)
	assert.Equal(t, "COMPLIANT", analysis.ComplianceStatus)
	assert.Empty(t, analysis.Error)
	assert.Equal(t, 2, env.completer.calls)
}

func TestClassifierTransportErrorKeepsOtherAnalyses(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	src, run := env.seed(t, database.ChannelWeb, intPtr(60))
	env.connector.items = []connector.FetchedItem{page("a", "text"), page("b", "more")}

	failing := &flakyCompleter{reply: `{"complianceStatus":"COMPLIANT"}`, failOn: 2}
	env.orch.classifier = classifier.NewLLMClassifier(failing, time.Second)

	rc, err := env.orch.Run(ctx, src, run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 revisions")

	first, err := env.store.Contents.Analysis(ctx, rc.ChangedRevisions[0].Revision.ID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "COMPLIANT", first.ComplianceStatus)

	second, err := env.store.Contents.Analysis(ctx, rc.ChangedRevisions[1].Revision.ID)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestAnalyzeAbortsOnCancellation(t *testing.T) {
	env := setupTestEnv(t)
	src, run := env.seed(t, database.ChannelWeb, intPtr(60))

	ctx, cancel := context.WithCancel(context.Background())
	rc := &RunContext{Source: src, Run: run}
	env.connector.items = []connector.FetchedItem{page("a", "text")}
	require.NoError(t, env.orch.runStart(ctx, rc))
	require.NoError(t, env.orch.fetchItems(ctx, rc))
	require.NoError(t, env.orch.normalizeAndHash(ctx, rc))
	require.NoError(t, env.orch.diff(ctx, rc))

	cancel()
	err := env.orch.analyze(ctx, rc)
	assert.ErrorIs(t, err, context.Canceled)
}
