package sqlstore_test

import (
	"database/sql"
	"testing"

	"github.com/corverroos/truss"
	_ "github.com/go-sql-driver/mysql"
)

var migrations = []string{
	`
	create table sync_runs (
		id              varchar(36) not null,
		integration_id  varchar(255) not null,
		microservice_id varchar(255) not null,
		tenant_id       varchar(255) not null,
		onboarding      bool not null,
		state           int not null,
		delayed_until   datetime(3),
		error           blob,
		processed_at    datetime(3),
		created_at      datetime(3) not null,
		updated_at      datetime(3) not null,

		primary key(id),

		index by_integration_state (integration_id, state),
		index by_microservice_state (microservice_id, state),
		index by_state_delayed_until (state, delayed_until),
		index by_state_updated_at (state, updated_at)
	)`,
	`
	create table sync_streams (
		id              varchar(36) not null,
		run_id          varchar(36) not null,
		tenant_id       varchar(255) not null,
		integration_id  varchar(255) not null,
		microservice_id varchar(255) not null,
		name            varchar(255) not null,
		metadata        blob,
		state           int not null,
		retries         int not null,
		error           blob,
		processed_at    datetime(3),
		created_at      datetime(3) not null,
		updated_at      datetime(3) not null,

		primary key(id),

		index by_run_state (run_id, state, created_at)
	)`,
	`
	create table sync_integrations (
		id                  varchar(255) not null,
		tenant_id           varchar(255) not null,
		platform            varchar(255) not null,
		status              varchar(255) not null,
		limit_count         int not null,
		limit_last_reset_at datetime(3),
		settings            blob,
		token               varchar(1024) not null,
		refresh_token       varchar(1024) not null,
		notified            bool not null,

		primary key(id)
	)`,
}

func ConnectForTesting(t *testing.T) *sql.DB {
	return truss.ConnectForTesting(t, migrations...)
}
