package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskbroker/internal/broker"
)

var (
	taskCols = []string{
		"id", "namespace", "key", "variant", "data", "description", "completer_id",
		"start_time", "completed", "referer_id", "created_at", "updated_at",
	}
	clientCols = []string{
		"id", "namespace", "variant", "online", "last_heartbeat", "concurrency", "running",
		"capabilities", "created_at", "updated_at",
	}
	now = time.Unix(1700000000, 0).UTC()
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func taskRows(tasks ...broker.Task) *pgxmock.Rows {
	rows := pgxmock.NewRows(taskCols)
	for _, task := range tasks {
		rows.AddRow(
			task.ID, task.Namespace, task.Key, task.Variant, []byte(task.Data), task.Description,
			task.CompleterID, task.StartTime, task.Completed, task.RefererID, task.CreatedAt, task.UpdatedAt,
		)
	}
	return rows
}

func sampleTask() broker.Task {
	return broker.Task{
		ID:        "t1",
		Namespace: "default",
		Key:       "https://a.test/",
		Variant:   "fetch",
		Data:      []byte(`{"url":"https://a.test/"}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestMigrateRunsEveryStatement(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTask(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	task := sampleTask()
	mock.ExpectQuery("INSERT INTO tasks").
		WithArgs(task.ID, task.Namespace, task.Key, task.Variant, []byte(task.Data), task.Description,
			task.CompleterID, task.StartTime, task.Completed, task.RefererID, task.CreatedAt, task.UpdatedAt).
		WillReturnRows(taskRows(task))

	got, err := store.CreateTask(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, task, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTaskKeyConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	_, err := store.CreateTask(context.Background(), sampleTask())
	require.ErrorIs(t, err, broker.ErrKeyConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM tasks WHERE id").WithArgs("missing").WillReturnRows(taskRows())

	_, err := store.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, broker.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasksBuildsFilter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	task := sampleTask()
	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE namespace = $1 AND variant = $2 AND completer_id IS NULL AND NOT completed ORDER BY created_at ASC, id ASC LIMIT $3",
	)).
		WithArgs("default", "fetch", 100).
		WillReturnRows(taskRows(task))

	got, err := store.ListTasks(context.Background(), broker.TaskFilter{
		Namespace:  "default",
		Variant:    "fetch",
		Unassigned: true,
		Open:       true,
		Limit:      100,
	})
	require.NoError(t, err)
	require.Equal(t, []broker.Task{task}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasksNewestWithOffset(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE completer_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3")).
		WithArgs("W1", 10, 20).
		WillReturnRows(taskRows())

	got, err := store.ListTasks(context.Background(), broker.TaskFilter{
		CompleterID: "W1",
		Newest:      true,
		Limit:       10,
		Offset:      20,
	})
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimTask(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	holder := "W1"
	claimed := sampleTask()
	claimed.CompleterID = &holder
	claimed.StartTime = &now
	mock.ExpectQuery("UPDATE tasks").
		WithArgs("t1", "W1", now, now).
		WillReturnRows(taskRows(claimed))

	got, err := store.ClaimTask(context.Background(), "t1", "W1", now, now)
	require.NoError(t, err)
	require.True(t, got.HeldBy("W1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimTaskConditionFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		exists bool
		want   error
	}{
		{name: "held by another", exists: true, want: broker.ErrAlreadyAcquired},
		{name: "missing", exists: false, want: broker.ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, mock := newMockStore(t)
			mock.ExpectQuery("UPDATE tasks").WillReturnRows(taskRows())
			mock.ExpectQuery("SELECT EXISTS").WithArgs("t1").
				WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(tc.exists))

			_, err := store.ClaimTask(context.Background(), "t1", "W2", now, now)
			require.ErrorIs(t, err, tc.want)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCompleteTaskNotHeld(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE tasks").WithArgs("t1", "W2", now).WillReturnRows(taskRows())
	mock.ExpectQuery("SELECT EXISTS").WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := store.CompleteTask(context.Background(), "t1", "W2", now)
	require.ErrorIs(t, err, broker.ErrNotAcquiredByCaller)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountUnassigned(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT").WithArgs("default", "fetch").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, err := store.CountUnassigned(context.Background(), "default", "fetch")
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertClient(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	client := broker.Client{
		ID:            "W1",
		Namespace:     "default",
		Variant:       "fetch",
		Online:        true,
		LastHeartbeat: now,
		Concurrency:   2,
		Capabilities:  []string{broker.CapHTTPRequests},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	mock.ExpectQuery("INSERT INTO clients").
		WithArgs("W1", "default", "fetch", true, now, 2, 0, []string{broker.CapHTTPRequests}, now).
		WillReturnRows(pgxmock.NewRows(append(clientCols, "inserted")).AddRow(
			client.ID, client.Namespace, client.Variant, client.Online, client.LastHeartbeat,
			client.Concurrency, client.Running, client.Capabilities, client.CreatedAt, client.UpdatedAt, true,
		))

	got, created, err := store.UpsertClient(context.Background(), client)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, client, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetClientNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM clients WHERE id").WithArgs("ghost").WillReturnRows(pgxmock.NewRows(clientCols))

	_, err := store.GetClient(context.Background(), "ghost")
	require.ErrorIs(t, err, broker.ErrClientNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateArtifactsIsTransactional(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	items := []broker.Artifact{
		{ID: "a1", Namespace: "default", Name: "a.test", Type: broker.ArtifactTypeRobots, Path: "ab/1.plain", CreatedAt: now},
		{ID: "a2", Namespace: "default", Name: "b.test", Type: broker.ArtifactTypeRobots, Path: "cd/2.plain", CreatedAt: now},
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO artifacts").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO artifacts").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.CreateArtifacts(context.Background(), items)
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO artifacts").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO artifacts").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := store.CreateArtifacts(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, items, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindArtifactNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM artifacts").WithArgs("default", "a.test", "robots").
		WillReturnRows(pgxmock.NewRows([]string{"id", "namespace", "name", "description", "type", "path", "task_id", "created_at"}))

	_, err := store.FindArtifact(context.Background(), "default", "a.test", "robots")
	require.ErrorIs(t, err, broker.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.Error(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
