// Package sqlstore provides MySQL backed implementations of the run,
// stream and integration stores.
package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/syncrun"
)

type SQLStore struct {
	writer *sql.DB
	reader *sql.DB

	runTableName    string
	runCols         string
	runSelectPrefix string

	streamTableName    string
	streamCols         string
	streamSelectPrefix string

	integrationTableName    string
	integrationCols         string
	integrationSelectPrefix string
}

func New(writer *sql.DB, reader *sql.DB, runTable, streamTable, integrationTable string) *SQLStore {
	s := &SQLStore{
		writer:               writer,
		reader:               reader,
		runTableName:         runTable,
		streamTableName:      streamTable,
		integrationTableName: integrationTable,
	}

	s.runCols = " `id`, `integration_id`, `microservice_id`, `tenant_id`, `onboarding`, `state`, `delayed_until`, `error`, `processed_at`, `created_at`, `updated_at` "
	s.runSelectPrefix = " select " + s.runCols + " from " + s.runTableName + " where "

	s.streamCols = " `id`, `run_id`, `tenant_id`, `integration_id`, `microservice_id`, `name`, `metadata`, `state`, `retries`, `error`, `processed_at`, `created_at`, `updated_at` "
	s.streamSelectPrefix = " select " + s.streamCols + " from " + s.streamTableName + " where "

	s.integrationCols = " `id`, `tenant_id`, `platform`, `status`, `limit_count`, `limit_last_reset_at`, `settings`, `token`, `refresh_token`, `notified` "
	s.integrationSelectPrefix = " select " + s.integrationCols + " from " + s.integrationTableName + " where "

	return s
}

func (s *SQLStore) Runs() syncrun.RunStore {
	return &runStore{s}
}

func (s *SQLStore) Streams() syncrun.StreamStore {
	return &streamStore{s}
}

func (s *SQLStore) Integrations() syncrun.IntegrationStore {
	return &integrationStore{s}
}

type runStore struct {
	*SQLStore
}

var _ syncrun.RunStore = (*runStore)(nil)

func (s *runStore) Create(ctx context.Context, run *syncrun.Run) error {
	errJSON, err := errorJSON(run.Error)
	if err != nil {
		return err
	}

	_, err = s.writer.ExecContext(ctx, "insert into "+s.runTableName+" set "+
		" id=?, integration_id=?, microservice_id=?, tenant_id=?, onboarding=?, state=?, "+
		" delayed_until=?, error=?, processed_at=?, created_at=now(3), updated_at=now(3) ",
		run.ID,
		run.IntegrationID,
		run.MicroserviceID,
		run.TenantID,
		run.Onboarding,
		int(run.State),
		nullTime(run.DelayedUntil),
		errJSON,
		nullTime(run.ProcessedAt),
	)
	if err != nil {
		return errors.Wrap(err, "insert run", j.KV("run_id", run.ID))
	}

	return nil
}

func (s *runStore) Lookup(ctx context.Context, id string) (*syncrun.Run, error) {
	return runScan(s.reader.QueryRowContext(ctx, s.runSelectPrefix+"id=?", id))
}

func (s *runStore) LastActive(ctx context.Context, integrationID, microserviceID, ignoreID string) (*syncrun.Run, error) {
	var (
		col string
		arg string
	)
	if integrationID != "" {
		col, arg = "integration_id", integrationID
	} else {
		col, arg = "microservice_id", microserviceID
	}

	runs, err := s.listRunsWhere(ctx, s.reader,
		col+"=? and id!=? and state in (?,?,?) order by created_at desc, id desc limit 1",
		arg, ignoreID,
		int(syncrun.RunStatePending), int(syncrun.RunStateProcessing), int(syncrun.RunStateDelayed),
	)
	if err != nil {
		return nil, err
	}

	if len(runs) < 1 {
		return nil, errors.Wrap(syncrun.ErrRunNotFound, "no active run",
			j.MKV{"integration_id": integrationID, "microservice_id": microserviceID})
	}

	return &runs[0], nil
}

func (s *runStore) MarkProcessing(ctx context.Context, id string) error {
	resp, err := s.writer.ExecContext(ctx,
		"update "+s.runTableName+" set state=?, delayed_until=null, updated_at=now(3) "+
			"where id=? and state in (?,?,?)",
		int(syncrun.RunStateProcessing), id,
		int(syncrun.RunStatePending), int(syncrun.RunStateDelayed), int(syncrun.RunStateError),
	)
	if err != nil {
		return errors.Wrap(err, "mark run processing", j.KV("run_id", id))
	}

	n, err := resp.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 1 {
		return nil
	}

	// Zero rows means the run is either missing or not claimable.
	_, err = s.Lookup(ctx, id)
	if err != nil {
		return err
	}

	return errors.Wrap(syncrun.ErrInvalidRunState, "run is not claimable", j.KV("run_id", id))
}

func (s *runStore) Delay(ctx context.Context, id string, until time.Time) error {
	return s.updateRun(ctx, id,
		"state=?, delayed_until=?, updated_at=now(3)",
		int(syncrun.RunStateDelayed), until,
	)
}

func (s *runStore) MarkError(ctx context.Context, id string, info *syncrun.ErrorInfo) error {
	errJSON, err := errorJSON(info)
	if err != nil {
		return err
	}

	return s.updateRun(ctx, id,
		"state=?, error=?, updated_at=now(3)",
		int(syncrun.RunStateError), errJSON,
	)
}

func (s *runStore) Restart(ctx context.Context, id string) error {
	return s.updateRun(ctx, id,
		"state=?, delayed_until=null, processed_at=null, error=null, updated_at=now(3)",
		int(syncrun.RunStatePending),
	)
}

func (s *runStore) Touch(ctx context.Context, id string) error {
	return s.updateRun(ctx, id, "updated_at=now(3)")
}

func (s *runStore) Sync(ctx context.Context, id string, maxRetries int) (syncrun.RunState, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return syncrun.RunStateUnknown, errors.Wrap(err, "begin sync tx")
	}
	defer tx.Rollback()

	var all, processed, errored, retryable int
	err = tx.QueryRowContext(ctx,
		"select count(*), coalesce(sum(state=?),0), coalesce(sum(state=?),0), coalesce(sum(state=? and retries<?),0) "+
			"from "+s.streamTableName+" where run_id=?",
		int(syncrun.StreamStateProcessed),
		int(syncrun.StreamStateError),
		int(syncrun.StreamStateError), maxRetries,
		id,
	).Scan(&all, &processed, &errored, &retryable)
	if err != nil {
		return syncrun.RunStateUnknown, errors.Wrap(err, "count streams", j.KV("run_id", id))
	}

	if all == processed+errored && retryable == 0 {
		_, err = tx.ExecContext(ctx,
			"update "+s.runTableName+" set state=?, processed_at=now(3), delayed_until=null, updated_at=now(3) where id=?",
			int(syncrun.RunStateProcessed), id,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			"update "+s.runTableName+" set updated_at=now(3) where id=?", id,
		)
	}
	if err != nil {
		return syncrun.RunStateUnknown, errors.Wrap(err, "sync run", j.KV("run_id", id))
	}

	var state int
	err = tx.QueryRowContext(ctx,
		"select state from "+s.runTableName+" where id=?", id,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return syncrun.RunStateUnknown, errors.Wrap(syncrun.ErrRunNotFound, "", j.KV("run_id", id))
	} else if err != nil {
		return syncrun.RunStateUnknown, errors.Wrap(err, "select run state", j.KV("run_id", id))
	}

	return syncrun.RunState(state), tx.Commit()
}

func (s *runStore) ListDelayed(ctx context.Context, before time.Time, limit int) ([]syncrun.Run, error) {
	return s.listRunsWhere(ctx, s.reader,
		"state=? and delayed_until<? order by delayed_until asc limit ?",
		int(syncrun.RunStateDelayed), before, limit,
	)
}

func (s *runStore) ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]syncrun.Run, error) {
	return s.listRunsWhere(ctx, s.reader,
		"state=? and updated_at<? order by updated_at asc limit ?",
		int(syncrun.RunStateProcessing), updatedBefore, limit,
	)
}

func (s *runStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	resp, err := s.writer.ExecContext(ctx,
		"delete from "+s.runTableName+" where state=? and processed_at<?",
		int(syncrun.RunStateProcessed), cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "delete processed runs")
	}

	deleted, err := resp.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}

	return int(deleted), nil
}
