package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/syncrun"
)

type integrationStore struct {
	*SQLStore
}

var _ syncrun.IntegrationStore = (*integrationStore)(nil)

func (s *integrationStore) Lookup(ctx context.Context, id string) (*syncrun.Integration, error) {
	return integrationScan(s.reader.QueryRowContext(ctx, s.integrationSelectPrefix+"id=?", id))
}

func (s *integrationStore) Save(ctx context.Context, integration *syncrun.Integration) error {
	_, err := s.writer.ExecContext(ctx,
		"insert into "+s.integrationTableName+
			" (id, tenant_id, platform, status, limit_count, limit_last_reset_at, settings, token, refresh_token, notified) "+
			" values (?,?,?,?,?,?,?,?,?,?) on duplicate key update "+
			" tenant_id=values(tenant_id), platform=values(platform), status=values(status), "+
			" limit_count=values(limit_count), limit_last_reset_at=values(limit_last_reset_at), "+
			" settings=values(settings), token=values(token), refresh_token=values(refresh_token), notified=values(notified) ",
		integration.ID,
		integration.TenantID,
		integration.Platform,
		integration.Status,
		integration.LimitCount,
		nullTime(integration.LimitLastResetAt),
		[]byte(integration.Settings),
		integration.Token,
		integration.RefreshToken,
		integration.Notified,
	)
	if err != nil {
		return errors.Wrap(err, "save integration", j.KV("integration_id", integration.ID))
	}

	return nil
}

// updateRun applies the set clause to a single run and fails with
// ErrRunNotFound when no row was affected.
func (s *runStore) updateRun(ctx context.Context, id string, set string, args ...any) error {
	resp, err := s.writer.ExecContext(ctx,
		"update "+s.runTableName+" set "+set+" where id=?",
		append(args, id)...,
	)
	if err != nil {
		return errors.Wrap(err, "update run", j.KV("run_id", id))
	}

	n, err := resp.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n != 1 {
		return errors.Wrap(syncrun.ErrRunNotFound, "", j.KV("run_id", id))
	}

	return nil
}

func (s *streamStore) updateStream(ctx context.Context, id string, set string, args ...any) error {
	resp, err := s.writer.ExecContext(ctx,
		"update "+s.streamTableName+" set "+set+" where id=?",
		append(args, id)...,
	)
	if err != nil {
		return errors.Wrap(err, "update stream", j.KV("stream_id", id))
	}

	n, err := resp.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n != 1 {
		return errors.Wrap(syncrun.ErrStreamNotFound, "", j.KV("stream_id", id))
	}

	return nil
}

func (s *runStore) listRunsWhere(ctx context.Context, dbc *sql.DB, where string, args ...any) ([]syncrun.Run, error) {
	rows, err := dbc.QueryContext(ctx, s.runSelectPrefix+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listRunsWhere")
	}
	defer rows.Close()

	var res []syncrun.Run
	for rows.Next() {
		r, err := runScan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *r)
	}

	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	return res, nil
}

func runScan(row row) (*syncrun.Run, error) {
	var (
		r            syncrun.Run
		state        int
		delayedUntil sql.NullTime
		errJSON      []byte
		processedAt  sql.NullTime
	)
	err := row.Scan(
		&r.ID,
		&r.IntegrationID,
		&r.MicroserviceID,
		&r.TenantID,
		&r.Onboarding,
		&state,
		&delayedUntil,
		&errJSON,
		&processedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(syncrun.ErrRunNotFound, "")
	} else if err != nil {
		return nil, errors.Wrap(err, "runScan")
	}

	r.State = syncrun.RunState(state)
	r.DelayedUntil = delayedUntil.Time
	r.ProcessedAt = processedAt.Time
	r.Error, err = errorFromJSON(errJSON)
	if err != nil {
		return nil, err
	}

	return &r, nil
}

func streamScan(row row) (*syncrun.Stream, error) {
	var (
		s           syncrun.Stream
		metadata    []byte
		state       int
		errJSON     []byte
		processedAt sql.NullTime
	)
	err := row.Scan(
		&s.ID,
		&s.RunID,
		&s.TenantID,
		&s.IntegrationID,
		&s.MicroserviceID,
		&s.Name,
		&metadata,
		&state,
		&s.Retries,
		&errJSON,
		&processedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(syncrun.ErrStreamNotFound, "")
	} else if err != nil {
		return nil, errors.Wrap(err, "streamScan")
	}

	s.Metadata = metadata
	s.State = syncrun.StreamState(state)
	s.ProcessedAt = processedAt.Time
	s.Error, err = errorFromJSON(errJSON)
	if err != nil {
		return nil, err
	}

	return &s, nil
}

func integrationScan(row row) (*syncrun.Integration, error) {
	var (
		in        syncrun.Integration
		lastReset sql.NullTime
		settings  []byte
	)
	err := row.Scan(
		&in.ID,
		&in.TenantID,
		&in.Platform,
		&in.Status,
		&in.LimitCount,
		&lastReset,
		&settings,
		&in.Token,
		&in.RefreshToken,
		&in.Notified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(syncrun.ErrIntegrationNotFound, "")
	} else if err != nil {
		return nil, errors.Wrap(err, "integrationScan")
	}

	in.LimitLastResetAt = lastReset.Time
	in.Settings = settings

	return &in, nil
}

func errorJSON(info *syncrun.ErrorInfo) ([]byte, error) {
	if info == nil {
		return nil, nil
	}

	b, err := json.Marshal(info)
	if err != nil {
		return nil, errors.Wrap(err, "marshal error info")
	}

	return b, nil
}

func errorFromJSON(b []byte) (*syncrun.ErrorInfo, error) {
	if len(b) == 0 {
		return nil, nil
	}

	var info syncrun.ErrorInfo
	err := json.Unmarshal(b, &info)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal error info")
	}

	return &info, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// row is a common interface for *sql.Rows and *sql.Row.
type row interface {
	Scan(dest ...any) error
}
