package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/syncrun"
)

type streamStore struct {
	*SQLStore
}

var _ syncrun.StreamStore = (*streamStore)(nil)

func (s *streamStore) Create(ctx context.Context, stream *syncrun.Stream) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin create tx")
	}
	defer tx.Rollback()

	err = s.insertStream(ctx, tx, stream)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *streamStore) CreateBatch(ctx context.Context, streams []syncrun.Stream) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin batch tx")
	}
	defer tx.Rollback()

	for i := range streams {
		err = s.insertStream(ctx, tx, &streams[i])
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *streamStore) insertStream(ctx context.Context, tx *sql.Tx, stream *syncrun.Stream) error {
	if stream.State == syncrun.StreamStateUnknown {
		stream.State = syncrun.StreamStatePending
	}

	errJSON, err := errorJSON(stream.Error)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "insert into "+s.streamTableName+" set "+
		" id=?, run_id=?, tenant_id=?, integration_id=?, microservice_id=?, name=?, metadata=?, "+
		" state=?, retries=?, error=?, processed_at=?, created_at=now(3), updated_at=now(3) ",
		stream.ID,
		stream.RunID,
		stream.TenantID,
		stream.IntegrationID,
		stream.MicroserviceID,
		stream.Name,
		[]byte(stream.Metadata),
		int(stream.State),
		stream.Retries,
		errJSON,
		nullTime(stream.ProcessedAt),
	)
	if err != nil {
		return errors.Wrap(err, "insert stream", j.MKV{
			"stream_id": stream.ID,
			"run_id":    stream.RunID,
		})
	}

	return nil
}

func (s *streamStore) Lookup(ctx context.Context, id string) (*syncrun.Stream, error) {
	return streamScan(s.reader.QueryRowContext(ctx, s.streamSelectPrefix+"id=?", id))
}

func (s *streamStore) NextPending(ctx context.Context, runID string, maxRetries int) (*syncrun.Stream, error) {
	backoffMins := int(syncrun.RetryBackoff / time.Minute)

	// Claims strictly oldest first. Errored streams become eligible again
	// once their per-retry backoff has lapsed; exhausted ones never do.
	stream, err := streamScan(s.writer.QueryRowContext(ctx,
		s.streamSelectPrefix+
			"run_id=? and (state=? or (state=? and retries<? and updated_at < now(3) - interval (retries*?) minute)) "+
			"order by created_at asc, id asc limit 1",
		runID,
		int(syncrun.StreamStatePending),
		int(syncrun.StreamStateError), maxRetries, backoffMins,
	))
	if errors.Is(err, syncrun.ErrStreamNotFound) {
		return nil, errors.Wrap(syncrun.ErrStreamNotFound, "no claimable stream", j.KV("run_id", runID))
	} else if err != nil {
		return nil, err
	}

	return stream, nil
}

func (s *streamStore) CountByState(ctx context.Context, runID string) (map[syncrun.StreamState]int, error) {
	rows, err := s.reader.QueryContext(ctx,
		"select state, count(*) from "+s.streamTableName+" where run_id=? group by state", runID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "count streams", j.KV("run_id", runID))
	}
	defer rows.Close()

	counts := make(map[syncrun.StreamState]int)
	for rows.Next() {
		var (
			state int
			n     int
		)
		err = rows.Scan(&state, &n)
		if err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		counts[syncrun.StreamState(state)] = n
	}

	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	return counts, nil
}

func (s *streamStore) MarkProcessing(ctx context.Context, id string) error {
	return s.updateStream(ctx, id,
		"state=?, updated_at=now(3)",
		int(syncrun.StreamStateProcessing),
	)
}

func (s *streamStore) MarkProcessed(ctx context.Context, id string) error {
	return s.updateStream(ctx, id,
		"state=?, processed_at=now(3), updated_at=now(3)",
		int(syncrun.StreamStateProcessed),
	)
}

func (s *streamStore) MarkError(ctx context.Context, id string, info *syncrun.ErrorInfo) (int, error) {
	errJSON, err := errorJSON(info)
	if err != nil {
		return 0, err
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin error tx")
	}
	defer tx.Rollback()

	resp, err := tx.ExecContext(ctx,
		"update "+s.streamTableName+" set state=?, retries=retries+1, error=?, updated_at=now(3) where id=?",
		int(syncrun.StreamStateError), errJSON, id,
	)
	if err != nil {
		return 0, errors.Wrap(err, "update stream", j.KV("stream_id", id))
	}

	n, err := resp.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	if n != 1 {
		return 0, errors.Wrap(syncrun.ErrStreamNotFound, "", j.KV("stream_id", id))
	}

	var retries int
	err = tx.QueryRowContext(ctx,
		"select retries from "+s.streamTableName+" where id=?", id,
	).Scan(&retries)
	if err != nil {
		return 0, errors.Wrap(err, "select retries", j.KV("stream_id", id))
	}

	return retries, tx.Commit()
}

func (s *streamStore) ResetProcessing(ctx context.Context, runID string) (int, error) {
	resp, err := s.writer.ExecContext(ctx,
		"update "+s.streamTableName+" set state=?, updated_at=now(3) where run_id=? and state=?",
		int(syncrun.StreamStatePending), runID, int(syncrun.StreamStateProcessing),
	)
	if err != nil {
		return 0, errors.Wrap(err, "reset processing streams", j.KV("run_id", runID))
	}

	n, err := resp.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}

	return int(n), nil
}

func (s *streamStore) Reset(ctx context.Context, id string) error {
	return s.updateStream(ctx, id,
		"state=?, retries=0, error=null, updated_at=now(3)",
		int(syncrun.StreamStatePending),
	)
}
