// Package injector turns graphs of locally-generated CRM records into real
// records in the target system. It walks object types in dependency order,
// validates and transforms each type's records against the identifiers
// recorded so far, submits them through the transport selector and folds
// per-record outcomes into a single result.
package injector

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/demoforge/demoforge/depgraph"
	"github.com/demoforge/demoforge/record"
	"github.com/demoforge/demoforge/schema"
	"github.com/demoforge/demoforge/transport"
)

type describeSource interface {
	Describe(ctx context.Context, objectType string) (*schema.Metadata, error)
}

type submitter interface {
	Submit(ctx context.Context, objectType string, localIDs []string, payloads []record.AttributeMap) []transport.Outcome
}

type Engine struct {
	log          logger.Logger
	statsFactory stats.Stats
	schemas      describeSource
	transport    submitter
	now          func() time.Time

	succeededStat stats.Counter
	failedStat    stats.Counter
}

func New(
	log logger.Logger,
	statsFactory stats.Stats,
	schemas describeSource,
	transport submitter,
) *Engine {
	return &Engine{
		log:          log.Child("injector"),
		statsFactory: statsFactory,
		schemas:      schemas,
		transport:    transport,
		now:          time.Now,
		succeededStat: statsFactory.NewTaggedStat("injector_records_total", stats.CountType, stats.Tags{
			"status": "succeeded",
		}),
		failedStat: statsFactory.NewTaggedStat("injector_records_total", stats.CountType, stats.Tags{
			"status": "failed",
		}),
	}
}

// Inject creates the given records remotely, one object type at a time in
// dependency order. progress is invoked after each type phase; it may be
// nil. The returned result is always complete for the attempt: validation
// and transport failures are captured in it, never raised.
//
// Failure isolation: a failed type never removes or invalidates
// identifiers recorded for earlier types, so later types still resolve
// whatever succeeded so far. Cancellation is cooperative and checked at
// phase boundaries; types not reached stay out of both success and failed.
func (e *Engine) Inject(ctx context.Context, records []record.LogicalRecord, cfg *Config, progress ProgressFunc) *Result {
	res := &Result{Summary: Summary{Total: len(records)}}
	if len(records) == 0 {
		return res
	}
	if progress == nil {
		progress = func(int, int) {}
	}

	byType := lo.GroupBy(records, func(r record.LogicalRecord) string { return r.ObjectType })
	order := depgraph.OrderFor(lo.Keys(byType))

	ids := NewIdentifierTable()
	processed := 0

	for _, objectType := range order {
		if ctx.Err() != nil {
			e.log.Warnn("run cancelled, remaining types left unprocessed",
				logger.NewStringField("objectType", objectType),
				logger.NewIntField("processed", int64(processed)),
			)
			break
		}

		typeRecords := byType[objectType]
		phaseStart := e.now()

		meta, err := e.schemas.Describe(ctx, objectType)
		if err != nil {
			meta = nil
			e.log.Warnn("describe unavailable, continuing with degraded validation",
				logger.NewStringField("objectType", objectType),
				obskit.Error(err),
			)
		}

		required := builtinRequiredFields[objectType]
		if meta != nil {
			required = meta.RequiredFieldNames()
		}

		valid, invalid := validateRecords(typeRecords, ids, required)
		res.Failed = append(res.Failed, invalid...)

		tr := &transformer{
			objectType: objectType,
			cfg:        cfg,
			ids:        ids,
			meta:       meta,
			now:        e.now,
		}
		localIDs := make([]string, 0, len(valid))
		payloads := make([]record.AttributeMap, 0, len(valid))
		for _, rec := range valid {
			payload, err := tr.apply(rec)
			if err != nil {
				res.Failed = append(res.Failed, FailedRecord{LocalID: rec.LocalID, Error: err.Error()})
				continue
			}
			localIDs = append(localIDs, rec.LocalID)
			payloads = append(payloads, payload)
		}

		for _, outcome := range e.transport.Submit(ctx, objectType, localIDs, payloads) {
			if outcome.Err != nil {
				res.Failed = append(res.Failed, FailedRecord{LocalID: outcome.LocalID, Error: outcome.Err.Error()})
				continue
			}
			if !ids.Set(outcome.LocalID, objectType, outcome.RemoteID) {
				e.log.Warnn("duplicate local id, keeping first recorded remote id",
					logger.NewStringField("localId", outcome.LocalID),
				)
			}
			res.Success = append(res.Success, SuccessRecord{LocalID: outcome.LocalID, RemoteID: outcome.RemoteID})
		}

		processed += len(typeRecords)
		e.statsFactory.NewTaggedStat("injector_type_phase_duration_seconds", stats.TimerType, stats.Tags{
			"objectType": objectType,
		}).Since(phaseStart)
		progress(processed, len(records))
	}

	e.succeededStat.Count(len(res.Success))
	e.failedStat.Count(len(res.Failed))
	res.Summary.Successful = len(res.Success)
	res.Summary.Failed = len(res.Failed)

	e.log.Infon("injection run finished",
		logger.NewIntField("total", int64(res.Summary.Total)),
		logger.NewIntField("successful", int64(res.Summary.Successful)),
		logger.NewIntField("failed", int64(res.Summary.Failed)),
	)
	return res
}
