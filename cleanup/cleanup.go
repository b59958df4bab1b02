// Package cleanup deletes previously-injected records, walking object
// types in the exact reverse of the injection order so children are always
// removed before their parents.
package cleanup

import (
	"context"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/demoforge/demoforge/depgraph"
	"github.com/demoforge/demoforge/transport"
)

type deleter interface {
	Delete(ctx context.Context, objectType string, ids []string) []transport.Outcome
}

// Result aggregates the per-id outcomes of a cleanup run.
type Result struct {
	Success    int               `json:"success"`
	Failed     int               `json:"failed"`
	SuccessIDs []string          `json:"successIds"`
	FailedIDs  []string          `json:"failedIds"`
	Errors     map[string]string `json:"errors,omitempty"`
}

type Engine struct {
	log       logger.Logger
	transport deleter
}

func New(log logger.Logger, transport deleter) *Engine {
	return &Engine{
		log:       log.Child("cleanup"),
		transport: transport,
	}
}

// Run deletes the given remote ids type by type. A failed delete does not
// block the remaining ids of its type or the types after it.
func (e *Engine) Run(ctx context.Context, idsByType map[string][]string) *Result {
	res := &Result{Errors: make(map[string]string)}

	for _, objectType := range depgraph.ReverseOrderFor(lo.Keys(idsByType)) {
		if ctx.Err() != nil {
			e.log.Warnn("cleanup cancelled, remaining types left untouched",
				logger.NewStringField("objectType", objectType),
			)
			break
		}
		ids := idsByType[objectType]
		if len(ids) == 0 {
			continue
		}

		for _, outcome := range e.transport.Delete(ctx, objectType, ids) {
			if outcome.Err != nil {
				res.Failed++
				res.FailedIDs = append(res.FailedIDs, outcome.RemoteID)
				res.Errors[outcome.RemoteID] = outcome.Err.Error()
				continue
			}
			res.Success++
			res.SuccessIDs = append(res.SuccessIDs, outcome.RemoteID)
		}

		e.log.Infon("deleted object type",
			logger.NewStringField("objectType", objectType),
			logger.NewIntField("records", int64(len(ids))),
		)
	}
	return res
}
