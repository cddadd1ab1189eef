package reflexqueue_test

import (
	"database/sql"
	"testing"

	"github.com/corverroos/truss"
	_ "github.com/go-sql-driver/mysql"
	"github.com/luno/reflex/rsql"

	"github.com/luno/syncrun"
	"github.com/luno/syncrun/adapters/adaptertest"
	"github.com/luno/syncrun/adapters/reflexqueue"
)

var migrations = []string{
	`
	create table sync_trigger_events (
		id         bigint not null auto_increment,
		foreign_id varchar(255) not null,
		timestamp  datetime not null,
		type       int not null default 0,
		metadata   blob,

		primary key (id)
	)`,
	`
	create table cursors (
		id            varchar(255) not null,
		last_event_id bigint not null,
		updated_at    datetime(3) not null,

		primary key (id)
	)`,
}

func ConnectForTesting(t *testing.T) *sql.DB {
	return truss.ConnectForTesting(t, migrations...)
}

func TestQueue(t *testing.T) {
	adaptertest.RunQueueTest(t, func() syncrun.Queue {
		dbc := ConnectForTesting(t)
		events := rsql.NewEventsTable("sync_trigger_events",
			rsql.WithEventMetadataField("metadata"),
		)
		cursors := rsql.NewCursorsTable("cursors",
			rsql.WithCursorAsyncDisabled(),
		)

		return reflexqueue.New(dbc, dbc, events, cursors.ToStore(dbc), "test_consumer")
	})
}
