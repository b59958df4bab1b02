package snapshot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/demoforge/demoforge/cleanup"
	"github.com/demoforge/demoforge/injector"
	"github.com/demoforge/demoforge/record"
	"github.com/demoforge/demoforge/schema"
	"github.com/demoforge/demoforge/transport"
)

type fakeQuerier struct {
	mu        sync.Mutex
	queries   []string
	QueryFunc func(q string) ([][]byte, error)
}

func (f *fakeQuerier) Query(_ context.Context, q string) ([][]byte, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.QueryFunc != nil {
		return f.QueryFunc(q)
	}
	return nil, nil
}

type fakeInjector struct {
	records []record.LogicalRecord
	result  *injector.Result
}

func (f *fakeInjector) Inject(_ context.Context, records []record.LogicalRecord, _ *injector.Config, _ injector.ProgressFunc) *injector.Result {
	f.records = records
	if f.result != nil {
		return f.result
	}
	res := &injector.Result{Summary: injector.Summary{Total: len(records)}}
	for _, rec := range records {
		res.Success = append(res.Success, injector.SuccessRecord{LocalID: rec.LocalID, RemoteID: "new-" + rec.LocalID})
	}
	res.Summary.Successful = len(res.Success)
	return res
}

type fakeCleanup struct {
	called    bool
	idsByType map[string][]string
}

func (f *fakeCleanup) Run(_ context.Context, idsByType map[string][]string) *cleanup.Result {
	f.called = true
	f.idsByType = idsByType
	return &cleanup.Result{Success: 2}
}

func row(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	out := []byte(`{}`)
	for key, value := range fields {
		var err error
		out, err = sjson.SetBytes(out, key, value)
		require.NoError(t, err)
	}
	return out
}

func newTestManager(querier *fakeQuerier, inj injectorEngine, cl cleanupEngine) *Manager {
	return NewManager(config.New(), logger.NOP, querier, inj, cl)
}

func TestCaptureDiscoversByMarkerAndFetchesAttributes(t *testing.T) {
	querier := &fakeQuerier{QueryFunc: func(q string) ([][]byte, error) {
		switch {
		case strings.Contains(q, "FROM company WHERE description LIKE '%[demoforge]%'"):
			return [][]byte{
				row(t, map[string]any{"id": "rem-co-1"}),
				row(t, map[string]any{"id": "rem-co-2"}),
			}, nil
		case strings.Contains(q, "FROM company WHERE id IN ('rem-co-1', 'rem-co-2')"):
			return [][]byte{
				row(t, map[string]any{"id": "rem-co-1", "name": "Globex", "description": "x [demoforge]"}),
				row(t, map[string]any{"id": "rem-co-2", "name": "Initech", "description": "y [demoforge]"}),
			}, nil
		}
		return nil, nil
	}}
	manager := newTestManager(querier, &fakeInjector{}, &fakeCleanup{})

	snap, err := manager.Capture(context.Background(), "env-1", CaptureOptions{})
	require.NoError(t, err)

	require.Equal(t, StatusReady, snap.Status)
	require.Equal(t, "env-1", snap.EnvironmentID)
	require.NotEmpty(t, snap.ID)
	require.Equal(t, []string{"rem-co-1", "rem-co-2"}, snap.RecordIDs["company"])
	require.Len(t, snap.RecordData["company"], 2)
	require.Equal(t, "Globex", snap.RecordData["company"][0]["name"].Str())
	require.NotContains(t, snap.RecordIDs, "contact")
}

func TestCaptureQueryFailureSkipsTypeOnly(t *testing.T) {
	querier := &fakeQuerier{QueryFunc: func(q string) ([][]byte, error) {
		switch {
		case strings.Contains(q, "FROM company"):
			return nil, errors.New("INVALID_TYPE")
		case strings.Contains(q, "FROM contact WHERE notes LIKE"):
			return [][]byte{row(t, map[string]any{"id": "rem-ct-1"})}, nil
		case strings.Contains(q, "FROM contact WHERE id IN"):
			return [][]byte{row(t, map[string]any{"id": "rem-ct-1", "lastname": "Doe"})}, nil
		}
		return nil, nil
	}}
	manager := newTestManager(querier, &fakeInjector{}, &fakeCleanup{})

	snap, err := manager.Capture(context.Background(), "env-1", CaptureOptions{})
	require.NoError(t, err)

	require.NotContains(t, snap.RecordIDs, "company")
	require.Equal(t, []string{"rem-ct-1"}, snap.RecordIDs["contact"])
	require.Equal(t, StatusReady, snap.Status)
}

func TestCaptureWithCallerSpecifiedIDsSkipsDiscovery(t *testing.T) {
	querier := &fakeQuerier{QueryFunc: func(q string) ([][]byte, error) {
		if strings.Contains(q, "WHERE id IN ('rem-co-9')") {
			return [][]byte{row(t, map[string]any{"id": "rem-co-9", "name": "Pinned"})}, nil
		}
		return nil, nil
	}}
	manager := newTestManager(querier, &fakeInjector{}, &fakeCleanup{})

	snap, err := manager.Capture(context.Background(), "env-1", CaptureOptions{
		RecordIDs: map[string][]string{"company": {"rem-co-9"}},
		Types:     []string{"company"},
	})
	require.NoError(t, err)

	require.Equal(t, []string{"rem-co-9"}, snap.RecordIDs["company"])
	for _, q := range querier.queries {
		require.NotContains(t, q, "LIKE")
	}
}

func readySnapshot() *Snapshot {
	return &Snapshot{
		ID:            "snap-1",
		EnvironmentID: "env-1",
		Status:        StatusReady,
		RecordIDs: map[string][]string{
			"company": {"rem-co-1"},
			"contact": {"rem-ct-1"},
		},
		RecordData: map[string][]record.AttributeMap{
			"company": {{
				"id":         record.String("rem-co-1"),
				"name":       record.String("Globex"),
				"created_at": record.String("2024-01-01T00:00:00Z"),
			}},
			"contact": {{
				"id":              record.String("rem-ct-1"),
				"lastname":        record.String("Doe"),
				"company_id":      record.String("rem-co-1"),
				"system_modstamp": record.String("2024-01-02T00:00:00Z"),
			}},
		},
	}
}

func TestRestoreBuildsLogicalRecordsFromCapturedData(t *testing.T) {
	inj := &fakeInjector{}
	manager := newTestManager(&fakeQuerier{}, inj, &fakeCleanup{})

	res, err := manager.Restore(context.Background(), readySnapshot(), nil, RestoreOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Summary.Successful)

	require.Len(t, inj.records, 2)
	company, contact := inj.records[0], inj.records[1]
	require.Equal(t, "company", company.ObjectType)
	require.Equal(t, "rem-co-1", company.LocalID)
	require.NotContains(t, company.Attributes, "id")
	require.NotContains(t, company.Attributes, "created_at")

	require.Equal(t, "contact", contact.ObjectType)
	require.Equal(t, "rem-ct-1", contact.LocalID)
	require.Equal(t, "rem-co-1", contact.ParentLocalID)
	require.NotContains(t, contact.Attributes, "company_id")
	require.NotContains(t, contact.Attributes, "system_modstamp")
}

func TestRestoreSkipsCapturedRowsWithoutID(t *testing.T) {
	inj := &fakeInjector{}
	manager := newTestManager(&fakeQuerier{}, inj, &fakeCleanup{})

	snap := readySnapshot()
	snap.RecordData["company"] = append(snap.RecordData["company"], record.AttributeMap{
		"name": record.String("Orphaned"),
	})

	res, err := manager.Restore(context.Background(), snap, nil, RestoreOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Summary.Total)

	require.Len(t, inj.records, 2)
	for _, rec := range inj.records {
		require.NotEmpty(t, rec.LocalID)
	}
}

// Capturing then restoring must assign fresh remote ids and never send a
// system-owned field back.
func TestRestoreEndToEndThroughInjectionEngine(t *testing.T) {
	submitted := struct {
		sync.Mutex
		payloads map[string][]record.AttributeMap
	}{payloads: make(map[string][]record.AttributeMap)}

	submitter := submitFunc(func(_ context.Context, objectType string, localIDs []string, payloads []record.AttributeMap) []transport.Outcome {
		submitted.Lock()
		submitted.payloads[objectType] = append(submitted.payloads[objectType], payloads...)
		submitted.Unlock()
		outcomes := make([]transport.Outcome, len(localIDs))
		for i, localID := range localIDs {
			outcomes[i] = transport.Outcome{LocalID: localID, RemoteID: "fresh-" + localID}
		}
		return outcomes
	})

	engine := injector.New(logger.NOP, stats.NOP, describeFunc(func(_ context.Context, objectType string) (*schema.Metadata, error) {
		return &schema.Metadata{ObjectType: objectType}, nil
	}), submitter)

	manager := newTestManager(&fakeQuerier{}, engine, &fakeCleanup{})
	snap := readySnapshot()

	res, err := manager.Restore(context.Background(), snap, nil, RestoreOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Summary.Successful)
	require.Equal(t, StatusReady, snap.Status)

	// Fresh identifier table: new remote ids differ from the captured ones.
	for _, success := range res.Success {
		require.NotEqual(t, success.LocalID, success.RemoteID)
		require.True(t, strings.HasPrefix(success.RemoteID, "fresh-"))
	}

	// The contact payload references the company's NEW id.
	contactPayloads := submitted.payloads["contact"]
	require.Len(t, contactPayloads, 1)
	require.Equal(t, "fresh-rem-co-1", contactPayloads[0]["company_id"].Str())

	for _, payloads := range submitted.payloads {
		for _, payload := range payloads {
			require.NotContains(t, payload, "id")
			require.NotContains(t, payload, "created_at")
			require.NotContains(t, payload, "system_modstamp")
		}
	}
}

func TestRestorePreCleanDeletesThroughCleanupEngine(t *testing.T) {
	cl := &fakeCleanup{}
	manager := newTestManager(&fakeQuerier{}, &fakeInjector{}, cl)
	snap := readySnapshot()

	_, err := manager.Restore(context.Background(), snap, nil, RestoreOptions{PreClean: true})
	require.NoError(t, err)
	require.True(t, cl.called)
	require.Equal(t, snap.RecordIDs, cl.idsByType)
}

func TestRestoreRequiresReadySnapshot(t *testing.T) {
	manager := newTestManager(&fakeQuerier{}, &fakeInjector{}, &fakeCleanup{})
	snap := readySnapshot()
	snap.Status = StatusCreating

	_, err := manager.Restore(context.Background(), snap, nil, RestoreOptions{})
	require.ErrorContains(t, err, "not restorable")
}

func TestRestoreMarksSnapshotFailedWhenNothingSucceeds(t *testing.T) {
	inj := &fakeInjector{result: &injector.Result{
		Failed:  []injector.FailedRecord{{LocalID: "rem-co-1", Error: "boom"}, {LocalID: "rem-ct-1", Error: "boom"}},
		Summary: injector.Summary{Total: 2, Failed: 2},
	}}
	manager := newTestManager(&fakeQuerier{}, inj, &fakeCleanup{})
	snap := readySnapshot()

	_, err := manager.Restore(context.Background(), snap, nil, RestoreOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, snap.Status)
}

func TestVerifyReportsMissingIDs(t *testing.T) {
	querier := &fakeQuerier{QueryFunc: func(q string) ([][]byte, error) {
		if strings.Contains(q, "FROM company") {
			return [][]byte{row(t, map[string]any{"id": "rem-co-1"})}, nil
		}
		return nil, nil
	}}
	manager := newTestManager(querier, &fakeInjector{}, &fakeCleanup{})

	snap := &Snapshot{RecordIDs: map[string][]string{
		"company": {"rem-co-1", "rem-co-2"},
		"contact": {"rem-ct-1"},
	}}
	missing := manager.Verify(context.Background(), snap)

	require.Equal(t, []string{"rem-co-2"}, missing["company"])
	require.Equal(t, []string{"rem-ct-1"}, missing["contact"])
}

func TestMarkGoldenIsExclusivePerEnvironment(t *testing.T) {
	manager := newTestManager(&fakeQuerier{}, &fakeInjector{}, &fakeCleanup{})

	first := &Snapshot{ID: "snap-1", EnvironmentID: "env-1"}
	second := &Snapshot{ID: "snap-2", EnvironmentID: "env-1"}

	require.Empty(t, manager.MarkGolden(first))
	id, ok := manager.GoldenID("env-1")
	require.True(t, ok)
	require.Equal(t, "snap-1", id)

	require.Equal(t, "snap-1", manager.MarkGolden(second))
	id, _ = manager.GoldenID("env-1")
	require.Equal(t, "snap-2", id)
	require.True(t, second.GoldenImage)
}

type submitFunc func(ctx context.Context, objectType string, localIDs []string, payloads []record.AttributeMap) []transport.Outcome

func (f submitFunc) Submit(ctx context.Context, objectType string, localIDs []string, payloads []record.AttributeMap) []transport.Outcome {
	return f(ctx, objectType, localIDs, payloads)
}

type describeFunc func(ctx context.Context, objectType string) (*schema.Metadata, error)

func (f describeFunc) Describe(ctx context.Context, objectType string) (*schema.Metadata, error) {
	return f(ctx, objectType)
}
