// Package transport submits transformed records to the target system,
// choosing between the synchronous row-oriented path and the asynchronous
// bulk-ingest path on record count. Both paths return per-record outcomes
// in input order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/demoforge/demoforge/crmapi"
	"github.com/demoforge/demoforge/record"
)

// Outcome is the per-record result of a submission. For deletes LocalID is
// empty and RemoteID names the deleted record.
type Outcome struct {
	LocalID  string
	RemoteID string
	Err      error
}

type Selector struct {
	row  crmapi.RowClient
	bulk crmapi.BulkClient
	log  logger.Logger

	bulkThreshold        int
	maxConcurrentBatches int
	pollInterval         time.Duration
	pollMaxInterval      time.Duration
	pollTimeout          time.Duration
}

func NewSelector(
	conf *config.Config,
	log logger.Logger,
	row crmapi.RowClient,
	bulk crmapi.BulkClient,
) *Selector {
	return &Selector{
		row:                  row,
		bulk:                 bulk,
		log:                  log.Child("transport"),
		bulkThreshold:        conf.GetInt("Transport.bulkThreshold", 200),
		maxConcurrentBatches: conf.GetInt("Transport.maxConcurrentBatches", 4),
		pollInterval:         conf.GetDuration("Transport.bulkPollIntervalInSeconds", 5, time.Second),
		pollMaxInterval:      conf.GetDuration("Transport.bulkPollMaxIntervalInSeconds", 30, time.Second),
		pollTimeout:          conf.GetDuration("Transport.bulkPollTimeoutInMinutes", 10, time.Minute),
	}
}

// Submit creates the given payloads remotely. localIDs and payloads are
// parallel slices; the returned outcomes are parallel to them too.
func (s *Selector) Submit(ctx context.Context, objectType string, localIDs []string, payloads []record.AttributeMap) []Outcome {
	if len(localIDs) != len(payloads) {
		panic(fmt.Sprintf("transport: %d local ids for %d payloads", len(localIDs), len(payloads)))
	}
	if len(payloads) == 0 {
		return nil
	}

	if len(payloads) > s.bulkThreshold {
		s.log.Infon("submitting via bulk path",
			logger.NewStringField("objectType", objectType),
			logger.NewIntField("records", int64(len(payloads))),
		)
		return s.submitBulk(ctx, objectType, localIDs, payloads)
	}
	return s.submitRows(ctx, objectType, localIDs, payloads)
}

// Delete removes the given remote ids, using the same threshold rule as
// Submit.
func (s *Selector) Delete(ctx context.Context, objectType string, ids []string) []Outcome {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) > s.bulkThreshold {
		return s.deleteBulk(ctx, objectType, ids)
	}
	return s.deleteRows(ctx, objectType, ids)
}

// submitRows dispatches row batches capped at the per-call limit. Batches
// may run concurrently; each writes only its own index range, so outcomes
// stay in input order.
func (s *Selector) submitRows(ctx context.Context, objectType string, localIDs []string, payloads []record.AttributeMap) []Outcome {
	outcomes := make([]Outcome, len(payloads))

	g := &errgroup.Group{}
	g.SetLimit(s.maxConcurrentBatches)
	for start := 0; start < len(payloads); start += crmapi.MaxRowsPerCall {
		end := min(start+crmapi.MaxRowsPerCall, len(payloads))
		g.Go(func() error {
			results, err := s.row.CreateBatch(ctx, objectType, payloads[start:end])
			s.fillRowOutcomes(outcomes[start:end], localIDs[start:end], results, err)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (s *Selector) deleteRows(ctx context.Context, objectType string, ids []string) []Outcome {
	outcomes := make([]Outcome, len(ids))

	g := &errgroup.Group{}
	g.SetLimit(s.maxConcurrentBatches)
	for start := 0; start < len(ids); start += crmapi.MaxRowsPerCall {
		end := min(start+crmapi.MaxRowsPerCall, len(ids))
		g.Go(func() error {
			results, err := s.row.DeleteBatch(ctx, objectType, ids[start:end])
			if err != nil {
				for i := range outcomes[start:end] {
					outcomes[start+i] = Outcome{RemoteID: ids[start+i], Err: err}
				}
				return nil
			}
			for i := range outcomes[start:end] {
				outcomes[start+i] = Outcome{RemoteID: ids[start+i]}
				if i >= len(results) {
					outcomes[start+i].Err = errors.New("no result returned for record")
					continue
				}
				if !results[i].Success {
					outcomes[start+i].Err = errors.New(joinRowErrors(results[i].Errors))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// fillRowOutcomes maps one batch's results onto its slice of the outcome
// array. A batch-level error fails every record in the batch.
func (s *Selector) fillRowOutcomes(out []Outcome, localIDs []string, results []crmapi.RowResult, err error) {
	if err != nil {
		for i := range out {
			out[i] = Outcome{LocalID: localIDs[i], Err: err}
		}
		return
	}
	for i := range out {
		out[i] = Outcome{LocalID: localIDs[i]}
		if i >= len(results) {
			out[i].Err = errors.New("no result returned for record")
			continue
		}
		if results[i].Success {
			out[i].RemoteID = results[i].ID
		} else {
			out[i].Err = errors.New(joinRowErrors(results[i].Errors))
		}
	}
}

func (s *Selector) submitBulk(ctx context.Context, objectType string, localIDs []string, payloads []record.AttributeMap) []Outcome {
	jobID, err := s.bulk.CreateJob(ctx, objectType, crmapi.OperationInsert)
	if err != nil {
		return failAll(localIDs, fmt.Errorf("creating bulk job: %w", err))
	}

	if err := s.bulk.UploadJobData(ctx, jobID, payloads); err != nil {
		_ = s.bulk.DeleteJob(ctx, jobID)
		return failAll(localIDs, fmt.Errorf("uploading bulk payload: %w", err))
	}

	if err := s.bulk.CloseJob(ctx, jobID); err != nil {
		return failAll(localIDs, fmt.Errorf("closing bulk job: %w", err))
	}

	return s.collectBulkOutcomes(ctx, jobID, localIDs)
}

func (s *Selector) deleteBulk(ctx context.Context, objectType string, ids []string) []Outcome {
	payload := make([]record.AttributeMap, len(ids))
	for i, id := range ids {
		payload[i] = record.AttributeMap{"id": record.String(id)}
	}

	jobID, err := s.bulk.CreateJob(ctx, objectType, crmapi.OperationDelete)
	if err != nil {
		return failAllDeletes(ids, fmt.Errorf("creating bulk delete job: %w", err))
	}
	if err := s.bulk.UploadJobData(ctx, jobID, payload); err != nil {
		_ = s.bulk.DeleteJob(ctx, jobID)
		return failAllDeletes(ids, fmt.Errorf("uploading bulk delete payload: %w", err))
	}
	if err := s.bulk.CloseJob(ctx, jobID); err != nil {
		return failAllDeletes(ids, fmt.Errorf("closing bulk delete job: %w", err))
	}

	outcomes := s.collectBulkOutcomes(ctx, jobID, ids)
	for i := range outcomes {
		// For deletes the input id is the remote id.
		outcomes[i].RemoteID, outcomes[i].LocalID = outcomes[i].LocalID, ""
	}
	return outcomes
}

// collectBulkOutcomes polls the job to a terminal state and maps result rows
// back to input order by position.
func (s *Selector) collectBulkOutcomes(ctx context.Context, jobID string, localIDs []string) []Outcome {
	status, err := s.pollUntilDone(ctx, jobID)
	if err != nil {
		return failAll(localIDs, fmt.Errorf("polling bulk job %s: %w", jobID, err))
	}
	if status.State != crmapi.JobStateComplete {
		msg := status.ErrorMessage
		if msg == "" {
			msg = "job ended in state " + status.State
		}
		return failAll(localIDs, errors.New(msg))
	}

	results, err := s.bulk.GetJobResults(ctx, jobID)
	if err != nil {
		return failAll(localIDs, fmt.Errorf("fetching bulk job results: %w", err))
	}

	outcomes := make([]Outcome, len(localIDs))
	for i := range outcomes {
		outcomes[i] = Outcome{LocalID: localIDs[i], Err: errors.New("row missing from job results")}
	}
	for _, row := range results.Succeeded {
		if row.RowIndex >= 0 && row.RowIndex < len(outcomes) {
			outcomes[row.RowIndex] = Outcome{LocalID: localIDs[row.RowIndex], RemoteID: row.ID}
		}
	}
	for _, row := range results.Failed {
		if row.RowIndex >= 0 && row.RowIndex < len(outcomes) {
			outcomes[row.RowIndex] = Outcome{LocalID: localIDs[row.RowIndex], Err: errors.New(row.Error)}
		}
	}
	return outcomes
}

// pollUntilDone blocks until the job reaches a terminal state or the
// bounded poll window elapses. A timeout is a transport failure for every
// staged record.
func (s *Selector) pollUntilDone(ctx context.Context, jobID string) (*crmapi.BulkJobStatus, error) {
	var status *crmapi.BulkJobStatus

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.pollInterval),
		backoff.WithMaxInterval(s.pollMaxInterval),
		backoff.WithMaxElapsedTime(s.pollTimeout),
	), ctx)

	err := backoff.Retry(func() error {
		st, err := s.bulk.GetJobStatus(ctx, jobID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !st.Terminal() {
			s.log.Debugn("bulk job still running",
				logger.NewStringField("jobID", jobID),
				logger.NewStringField("state", st.State),
			)
			return fmt.Errorf("job in state %s", st.State)
		}
		status = st
		return nil
	}, policy)
	if err != nil {
		s.log.Errorn("bulk job did not finish in time",
			logger.NewStringField("jobID", jobID),
			obskit.Error(err),
		)
		return nil, err
	}
	return status, nil
}

func failAll(localIDs []string, err error) []Outcome {
	outcomes := make([]Outcome, len(localIDs))
	for i, id := range localIDs {
		outcomes[i] = Outcome{LocalID: id, Err: err}
	}
	return outcomes
}

func failAllDeletes(ids []string, err error) []Outcome {
	outcomes := make([]Outcome, len(ids))
	for i, id := range ids {
		outcomes[i] = Outcome{RemoteID: id, Err: err}
	}
	return outcomes
}

func joinRowErrors(errs []string) string {
	if len(errs) == 0 {
		return "record rejected by target system"
	}
	return strings.Join(errs, "; ")
}
