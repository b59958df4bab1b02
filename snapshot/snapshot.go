// Package snapshot captures point-in-time images of previously-injected
// records and replays them later. Discovery relies on the demo marker
// embedded in generated text fields, so no side-channel index is needed.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/demoforge/demoforge/cleanup"
	"github.com/demoforge/demoforge/crmapi"
	"github.com/demoforge/demoforge/depgraph"
	"github.com/demoforge/demoforge/injector"
	"github.com/demoforge/demoforge/record"
)

// Snapshot statuses.
const (
	StatusCreating  = "creating"
	StatusReady     = "ready"
	StatusRestoring = "restoring"
	StatusFailed    = "failed"
)

// Snapshot is a captured image of an environment's injected records.
type Snapshot struct {
	ID            string                           `json:"id"`
	EnvironmentID string                           `json:"environmentId"`
	RecordIDs     map[string][]string              `json:"recordIds"`
	RecordData    map[string][]record.AttributeMap `json:"recordData"`
	Status        string                           `json:"status"`
	GoldenImage   bool                             `json:"goldenImage"`
	CreatedAt     time.Time                        `json:"createdAt"`
}

// markerFields names the text field per object type that carries the demo
// marker.
var markerFields = map[string]string{
	"company":  "description",
	"contact":  "notes",
	"deal":     "description",
	"ticket":   "description",
	"activity": "subject",
}

// systemOwnedFields are assigned by the target system and must never be
// sent back on restore.
var systemOwnedFields = map[string]struct{}{
	"id":                 {},
	"created_at":         {},
	"updated_at":         {},
	"created_date":       {},
	"last_modified_date": {},
	"system_modstamp":    {},
	"owner_id":           {},
}

// remoteRelationshipFields maps each type's system relationship fields back
// to the logical reference the injector understands. "parent" routes the
// old id into ParentLocalID. On restore the captured remote ids become the
// local ids of the replayed records, so resolving these references against
// the fresh identifier table yields the newly-assigned parents.
var remoteRelationshipFields = map[string]map[string]string{
	"contact": {"company_id": "parent"},
	"deal": {
		"company_id": "parent",
		"contact_id": "contact" + record.LocalIDSuffix,
	},
	"ticket": {
		"contact_id": "parent",
		"deal_id":    "deal" + record.LocalIDSuffix,
	},
	"activity": {
		"who_id":     "contact" + record.LocalIDSuffix,
		"contact_id": "contact" + record.LocalIDSuffix,
		"what_id":    "deal" + record.LocalIDSuffix,
		"deal_id":    "deal" + record.LocalIDSuffix,
	},
}

type injectorEngine interface {
	Inject(ctx context.Context, records []record.LogicalRecord, cfg *injector.Config, progress injector.ProgressFunc) *injector.Result
}

type cleanupEngine interface {
	Run(ctx context.Context, idsByType map[string][]string) *cleanup.Result
}

type Manager struct {
	log      logger.Logger
	querier  crmapi.Querier
	injector injectorEngine
	cleanup  cleanupEngine
	marker   string
	now      func() time.Time

	goldenMu sync.Mutex
	golden   map[string]string // environment id -> golden snapshot id
}

func NewManager(
	conf *config.Config,
	log logger.Logger,
	querier crmapi.Querier,
	injectorEngine injectorEngine,
	cleanupEngine cleanupEngine,
) *Manager {
	return &Manager{
		log:      log.Child("snapshot"),
		querier:  querier,
		injector: injectorEngine,
		cleanup:  cleanupEngine,
		marker:   conf.GetString("Snapshot.demoMarker", "[demoforge]"),
		now:      time.Now,
		golden:   make(map[string]string),
	}
}

// CaptureOptions narrows what a capture run looks at. RecordIDs pins the
// remote ids per type; types without an entry are discovered via the demo
// marker. Types limits capture to the given object types.
type CaptureOptions struct {
	RecordIDs map[string][]string
	Types     []string
}

// Capture builds a snapshot of the environment's injected records. A
// query failure for one type is logged and skipped; it never aborts the
// capture of the other types.
func (m *Manager) Capture(ctx context.Context, environmentID string, opts CaptureOptions) (*Snapshot, error) {
	snap := &Snapshot{
		ID:            uuid.New().String(),
		EnvironmentID: environmentID,
		RecordIDs:     make(map[string][]string),
		RecordData:    make(map[string][]record.AttributeMap),
		Status:        StatusCreating,
		CreatedAt:     m.now(),
	}

	types := opts.Types
	if len(types) == 0 {
		types = depgraph.KnownTypes()
	}

	for _, objectType := range depgraph.OrderFor(types) {
		ids := opts.RecordIDs[objectType]
		if len(ids) == 0 {
			discovered, err := m.discoverIDs(ctx, objectType)
			if err != nil {
				m.log.Warnn("discovery failed, skipping object type",
					logger.NewStringField("objectType", objectType),
					obskit.Error(err),
				)
				continue
			}
			ids = discovered
		}
		if len(ids) == 0 {
			continue
		}

		data, err := m.fetchRecords(ctx, objectType, ids)
		if err != nil {
			m.log.Warnn("fetch failed, skipping object type",
				logger.NewStringField("objectType", objectType),
				obskit.Error(err),
			)
			continue
		}

		snap.RecordIDs[objectType] = ids
		snap.RecordData[objectType] = data
		m.log.Infon("captured object type",
			logger.NewStringField("objectType", objectType),
			logger.NewIntField("records", int64(len(data))),
		)
	}

	snap.Status = StatusReady
	return snap, nil
}

// RestoreOptions control a restore run.
type RestoreOptions struct {
	// PreClean deletes the records the snapshot knows about before
	// restoring, returning the environment to an exact image.
	PreClean bool
	Progress injector.ProgressFunc
}

// Restore replays a snapshot through the injection engine. The captured
// remote ids are used only as lookup keys: every record is created anew
// and gets a fresh system-assigned id, resolved through a fresh identifier
// table scoped to this restore run.
func (m *Manager) Restore(ctx context.Context, snap *Snapshot, cfg *injector.Config, opts RestoreOptions) (*injector.Result, error) {
	if snap.Status != StatusReady {
		return nil, fmt.Errorf("snapshot %s is not restorable in status %q", snap.ID, snap.Status)
	}
	snap.Status = StatusRestoring

	if opts.PreClean {
		cleanupRes := m.cleanup.Run(ctx, snap.RecordIDs)
		m.log.Infon("pre-restore cleanup finished",
			logger.NewIntField("deleted", int64(cleanupRes.Success)),
			logger.NewIntField("failed", int64(cleanupRes.Failed)),
		)
	}

	records := m.buildRestoreRecords(snap)
	res := m.injector.Inject(ctx, records, cfg, opts.Progress)

	if res.Summary.Total > 0 && res.Summary.Successful == 0 {
		snap.Status = StatusFailed
	} else {
		snap.Status = StatusReady
	}
	return res, nil
}

// buildRestoreRecords converts captured attribute sets back into logical
// records: system-owned fields are stripped and remote relationship fields
// are rewritten into logical references keyed by the old remote ids.
func (m *Manager) buildRestoreRecords(snap *Snapshot) []record.LogicalRecord {
	var records []record.LogicalRecord
	for _, objectType := range depgraph.OrderFor(lo.Keys(snap.RecordData)) {
		refFields := remoteRelationshipFields[objectType]
		for _, captured := range snap.RecordData[objectType] {
			attrs := captured.Clone()

			oldID := attrs["id"].Str()
			if oldID == "" {
				// A row without its remote id cannot serve as a lookup key
				// for anything that referenced it; replaying it would
				// fabricate an empty local id.
				m.log.Warnn("captured row has no id, skipping on restore",
					logger.NewStringField("objectType", objectType),
				)
				continue
			}
			for field := range systemOwnedFields {
				delete(attrs, field)
			}

			var parentLocalID string
			for remoteField, logicalRef := range refFields {
				value, ok := attrs[remoteField]
				if !ok {
					continue
				}
				delete(attrs, remoteField)
				if value.IsEmpty() {
					continue
				}
				if logicalRef == "parent" {
					parentLocalID = value.Str()
					continue
				}
				attrs[logicalRef] = value
			}

			records = append(records, record.LogicalRecord{
				ObjectType:    objectType,
				LocalID:       oldID,
				ParentLocalID: parentLocalID,
				Attributes:    attrs,
			})
		}
	}
	return records
}

// Verify reports which of the snapshot's remote ids no longer exist, per
// object type. Types whose query fails are skipped and logged.
func (m *Manager) Verify(ctx context.Context, snap *Snapshot) map[string][]string {
	missing := make(map[string][]string)
	for objectType, ids := range snap.RecordIDs {
		existing := make(map[string]struct{}, len(ids))
		failed := false
		for _, chunk := range lo.Chunk(ids, crmapi.MaxRowsPerCall) {
			rows, err := m.querier.Query(ctx, fmt.Sprintf(
				"SELECT id FROM %s WHERE id IN (%s)", objectType, soqlList(chunk),
			))
			if err != nil {
				m.log.Warnn("existence query failed, skipping object type",
					logger.NewStringField("objectType", objectType),
					obskit.Error(err),
				)
				failed = true
				break
			}
			for _, row := range rows {
				existing[gjson.GetBytes(row, "id").String()] = struct{}{}
			}
		}
		if failed {
			continue
		}
		for _, id := range ids {
			if _, ok := existing[id]; !ok {
				missing[objectType] = append(missing[objectType], id)
			}
		}
	}
	return missing
}

// MarkGolden designates the snapshot as its environment's golden image,
// replacing any previous designation. At most one snapshot per environment
// is golden at a time.
func (m *Manager) MarkGolden(snap *Snapshot) (previous string) {
	m.goldenMu.Lock()
	defer m.goldenMu.Unlock()
	previous = m.golden[snap.EnvironmentID]
	m.golden[snap.EnvironmentID] = snap.ID
	snap.GoldenImage = true
	return previous
}

// GoldenID returns the environment's golden snapshot id, if one is set.
func (m *Manager) GoldenID(environmentID string) (string, bool) {
	m.goldenMu.Lock()
	defer m.goldenMu.Unlock()
	id, ok := m.golden[environmentID]
	return id, ok
}

func (m *Manager) discoverIDs(ctx context.Context, objectType string) ([]string, error) {
	markerField, ok := markerFields[objectType]
	if !ok {
		return nil, nil
	}
	rows, err := m.querier.Query(ctx, fmt.Sprintf(
		"SELECT id FROM %s WHERE %s LIKE '%%%s%%'", objectType, markerField, m.marker,
	))
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id := gjson.GetBytes(row, "id").String(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Manager) fetchRecords(ctx context.Context, objectType string, ids []string) ([]record.AttributeMap, error) {
	var out []record.AttributeMap
	for _, chunk := range lo.Chunk(ids, crmapi.MaxRowsPerCall) {
		rows, err := m.querier.Query(ctx, fmt.Sprintf(
			"SELECT FIELDS(ALL) FROM %s WHERE id IN (%s)", objectType, soqlList(chunk),
		))
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			var raw map[string]any
			if err := jsonrs.Unmarshal(row, &raw); err != nil {
				return nil, fmt.Errorf("decoding %s row: %w", objectType, err)
			}
			attrs, err := record.FromAnyMap(raw)
			if err != nil {
				return nil, fmt.Errorf("converting %s row: %w", objectType, err)
			}
			out = append(out, attrs)
		}
	}
	return out, nil
}

func soqlList(ids []string) string {
	quoted := lo.Map(ids, func(id string, _ int) string { return "'" + id + "'" })
	return strings.Join(quoted, ", ")
}
