package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/store"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestProgressStoreUpsertJobStart(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewProgressStore(mock)
	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO job_runs").
		WithArgs(id, now, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertJobStart(context.Background(), id, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreCompleteJobWritesTotals(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewProgressStore(mock)
	id := uuid.New()
	now := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("UPDATE job_runs").
		WithArgs(now, "completed", 2, 3, 5, 0, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.CompleteJob(context.Background(), id, now, ingestor.TotalStats{Posts: 2, Comments: 3, Successful: 5})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreChannelWrites(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewProgressStore(mock)
	id := uuid.New()
	now := time.Unix(1700000200, 0).UTC()
	msg := "auth rejected"

	mock.ExpectExec("INSERT INTO channel_runs").
		WithArgs(id, "alpha", "fetching", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO channel_runs").
		WithArgs(id, "alpha", "completed", 2, 3, 4, 1, pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO channel_runs").
		WithArgs(id, "beta", "failed", 0, 0, 0, 0, &msg, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := context.Background()
	require.NoError(t, s.UpsertChannelStatus(ctx, id, "alpha", "fetching", now))
	require.NoError(t, s.CompleteChannel(ctx, id, "alpha", "completed",
		&ingestor.ChannelStats{RootItems: 2, Replies: 3, Succeeded: 4, Failed: 1}, nil, now))
	require.NoError(t, s.CompleteChannel(ctx, id, "beta", "failed", nil, &msg, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreWrapsExecErrors(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewProgressStore(mock)
	id := uuid.New()
	boom := errors.New("connection reset")

	mock.ExpectExec("DELETE FROM job_runs").WithArgs(id).WillReturnError(boom)

	err := s.DeleteJob(context.Background(), id)
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreGetJob(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewProgressStore(mock)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	mock.ExpectQuery("SELECT job_id, started_at").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{
			"job_id", "started_at", "finished_at", "status", "posts", "comments", "successful", "failed",
		}).AddRow(id, started, &finished, "completed", 2, 3, 5, 0))

	run, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, run.JobID)
	require.Equal(t, store.RunCompleted, run.Status)
	require.Equal(t, ingestor.TotalStats{Posts: 2, Comments: 3, Successful: 5}, run.Totals)
	require.NotNil(t, run.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewProgressStore(mock)
	id := uuid.New()
	mock.ExpectQuery("SELECT job_id, started_at").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestProgressStoreListJobsFiltersByStatus(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewProgressStore(mock)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	status := store.RunRunning

	mock.ExpectQuery("FROM job_runs").
		WithArgs(pgxmock.AnyArg(), 10, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"job_id", "started_at", "finished_at", "status", "posts", "comments", "successful", "failed",
		}).AddRow(id, started, nil, "running", 0, 0, 0, 0))

	runs, err := s.ListJobs(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, store.RunRunning, runs[0].Status)
	require.Nil(t, runs[0].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreListJobChannels(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewProgressStore(mock)
	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	msg := "boom"

	mock.ExpectQuery("FROM channel_runs").
		WithArgs(id, pgxmock.AnyArg(), 50, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"job_id", "channel", "status", "root_items", "replies", "succeeded", "failed", "error", "updated_at",
		}).
			AddRow(id, "alpha", "completed", 2, 3, 5, 0, nil, now).
			AddRow(id, "beta", "failed", 0, 0, 0, 0, &msg, now))

	rows, err := s.ListJobChannels(context.Background(), id, nil, 50, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 5, rows[0].Stats.Succeeded)
	require.Nil(t, rows[0].Error)
	require.Equal(t, "boom", *rows[1].Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreListJobChannelsByStatus(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewProgressStore(mock)
	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	msg := "store rejected credentials"
	failed := ingestor.ChannelFailed

	mock.ExpectQuery(`status = \$2`).
		WithArgs(id, pgxmock.AnyArg(), 10, 5).
		WillReturnRows(pgxmock.NewRows([]string{
			"job_id", "channel", "status", "root_items", "replies", "succeeded", "failed", "error", "updated_at",
		}).AddRow(id, "gamma", "failed", 1, 0, 0, 1, &msg, now))

	rows, err := s.ListJobChannels(context.Background(), id, &failed, 10, 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "failed", rows[0].Status)
	require.Equal(t, 1, rows[0].Stats.Failed)
	require.NoError(t, mock.ExpectationsWereMet())
}
