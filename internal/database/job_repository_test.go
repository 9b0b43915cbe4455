package database_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/crosspost/publisher/internal/database"
	"github.com/crosspost/publisher/internal/domain"
)

func testPayload() domain.JobPayload {
	return domain.JobPayload{
		PostID:    "post-123",
		UserID:    "user-1",
		Platforms: []string{"twitter"},
		Body:      "hello world",
	}
}

func TestJobRepository_Create(t *testing.T) {
	t.Helper()
	runJobCreateTests(t)
}

func runJobCreateTests(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewJobRepository(db)
	ctx := context.Background()
	now := time.Now()

	testCases := []struct {
		name      string
		setupMock func()
		wantErr   bool
	}{
		{
			name: "inserts pending job",
			setupMock: func() {
				mock.ExpectQuery("INSERT INTO jobs").
					WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
			},
			wantErr: false,
		},
		{
			name: "database error returns error",
			setupMock: func() {
				mock.ExpectQuery("INSERT INTO jobs").
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()

			job, newErr := domain.NewJob(domain.JobKindPublish, testPayload(), now, domain.PriorityPublish, 0)
			if newErr != nil {
				t.Fatalf("NewJob() error = %v", newErr)
			}

			callErr := repo.Create(ctx, job)
			if (callErr != nil) != tc.wantErr {
				t.Errorf("Create() error = %v, wantErr %v", callErr, tc.wantErr)
			}
			if !tc.wantErr && job.ID == "" {
				t.Error("Create() did not assign a job id")
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestJobRepository_ClaimDue(t *testing.T) {
	t.Helper()
	runClaimDueTests(t)
}

func runClaimDueTests(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewJobRepository(db)
	ctx := context.Background()
	now := time.Now()

	jobColumns := []string{
		"id", "kind", "payload", "status", "priority", "scheduled_for",
		"attempt", "max_attempts", "last_error", "created_at", "updated_at",
	}
	payloadJSON := []byte(`{"post_id":"post-123","user_id":"user-1","platforms":["twitter"],"body":"hello world"}`)

	testCases := []struct {
		name      string
		setupMock func()
		wantCount int
		wantErr   bool
	}{
		{
			name: "claims due jobs and decodes payloads",
			setupMock: func() {
				rows := sqlmock.NewRows(jobColumns).
					AddRow("job-1", domain.JobKindRetry, payloadJSON, domain.JobStatusProcessing,
						domain.PriorityRetry, now.Add(-time.Minute), 1, 3, "rate limited", now, now).
					AddRow("job-2", domain.JobKindPublish, payloadJSON, domain.JobStatusProcessing,
						domain.PriorityPublish, now.Add(-time.Second), 0, 3, nil, now, now)
				mock.ExpectQuery("UPDATE jobs").WithArgs(5).WillReturnRows(rows)
			},
			wantCount: 2,
		},
		{
			name: "nothing due returns empty slice",
			setupMock: func() {
				mock.ExpectQuery("UPDATE jobs").WithArgs(5).
					WillReturnRows(sqlmock.NewRows(jobColumns))
			},
			wantCount: 0,
		},
		{
			name: "malformed payload returns error",
			setupMock: func() {
				rows := sqlmock.NewRows(jobColumns).
					AddRow("job-1", domain.JobKindPublish, []byte("{not json"), domain.JobStatusProcessing,
						domain.PriorityPublish, now, 0, 3, nil, now, now)
				mock.ExpectQuery("UPDATE jobs").WithArgs(5).WillReturnRows(rows)
			},
			wantErr: true,
		},
		{
			name: "database error returns error",
			setupMock: func() {
				mock.ExpectQuery("UPDATE jobs").WithArgs(5).WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()

			jobs, callErr := repo.ClaimDue(ctx, 5)
			if (callErr != nil) != tc.wantErr {
				t.Errorf("ClaimDue() error = %v, wantErr %v", callErr, tc.wantErr)
			}
			if !tc.wantErr && len(jobs) != tc.wantCount {
				t.Errorf("ClaimDue() = %d jobs, want %d", len(jobs), tc.wantCount)
			}
			if !tc.wantErr && tc.wantCount > 0 && jobs[0].Payload.PostID != "post-123" {
				t.Errorf("Payload.PostID = %s, want post-123", jobs[0].Payload.PostID)
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestJobRepository_GetByID(t *testing.T) {
	t.Helper()
	runJobGetByIDTests(t)
}

func runJobGetByIDTests(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewJobRepository(db)
	ctx := context.Background()
	jobID := "job-123"
	now := time.Now()

	jobColumns := []string{
		"id", "kind", "payload", "status", "priority", "scheduled_for",
		"attempt", "max_attempts", "last_error", "created_at", "updated_at",
	}

	testCases := []struct {
		name      string
		setupMock func()
		wantErr   error
	}{
		{
			name: "returns job",
			setupMock: func() {
				rows := sqlmock.NewRows(jobColumns).
					AddRow(jobID, domain.JobKindPublish,
						[]byte(`{"post_id":"post-123","user_id":"user-1","platforms":["twitter"],"body":"x"}`),
						domain.JobStatusCompleted, 0, now, 1, 3, nil, now, now)
				mock.ExpectQuery("SELECT").WithArgs(jobID).WillReturnRows(rows)
			},
		},
		{
			name: "missing job maps to ErrNotFound",
			setupMock: func() {
				mock.ExpectQuery("SELECT").WithArgs(jobID).WillReturnError(sql.ErrNoRows)
			},
			wantErr: domain.ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()

			job, callErr := repo.GetByID(ctx, jobID)
			if tc.wantErr != nil {
				if !errors.Is(callErr, tc.wantErr) {
					t.Errorf("GetByID() error = %v, want %v", callErr, tc.wantErr)
				}
				return
			}
			if callErr != nil {
				t.Fatalf("GetByID() error = %v", callErr)
			}
			if job.Status != domain.JobStatusCompleted {
				t.Errorf("Status = %s, want completed", job.Status)
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestJobRepository_MarkCompleted(t *testing.T) {
	t.Helper()
	runMarkCompletedTests(t)
}

func runMarkCompletedTests(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewJobRepository(db)
	ctx := context.Background()
	jobID := "job-123"

	testCases := []struct {
		name      string
		setupMock func()
		wantErr   bool
	}{
		{
			name: "completes processing job",
			setupMock: func() {
				mock.ExpectExec("UPDATE jobs").
					WithArgs(jobID).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "job not processing returns error",
			setupMock: func() {
				mock.ExpectExec("UPDATE jobs").
					WithArgs(jobID).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()

			callErr := repo.MarkCompleted(ctx, jobID)
			if (callErr != nil) != tc.wantErr {
				t.Errorf("MarkCompleted() error = %v, wantErr %v", callErr, tc.wantErr)
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestJobRepository_MarkFailed(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewJobRepository(db)
	ctx := context.Background()

	mock.ExpectExec("UPDATE jobs").
		WithArgs("job-123", "retry ceiling reached").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if callErr := repo.MarkFailed(ctx, "job-123", "retry ceiling reached"); callErr != nil {
		t.Errorf("MarkFailed() error = %v", callErr)
	}

	if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
		t.Errorf("unfulfilled expectations: %v", expectErr)
	}
}

func TestJobRepository_ResetStale(t *testing.T) {
	t.Helper()
	runResetStaleTests(t)
}

func runResetStaleTests(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewJobRepository(db)
	ctx := context.Background()
	maxAge := 5 * time.Minute

	testCases := []struct {
		name      string
		setupMock func()
		wantReset int64
		wantErr   bool
	}{
		{
			name: "resets stale processing jobs",
			setupMock: func() {
				mock.ExpectExec("UPDATE jobs").
					WithArgs("300 seconds").
					WillReturnResult(sqlmock.NewResult(0, 3))
			},
			wantReset: 3,
		},
		{
			name: "nothing stale",
			setupMock: func() {
				mock.ExpectExec("UPDATE jobs").
					WithArgs("300 seconds").
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantReset: 0,
		},
		{
			name: "database error returns error",
			setupMock: func() {
				mock.ExpectExec("UPDATE jobs").
					WithArgs("300 seconds").
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()

			reset, callErr := repo.ResetStale(ctx, maxAge)
			if (callErr != nil) != tc.wantErr {
				t.Errorf("ResetStale() error = %v, wantErr %v", callErr, tc.wantErr)
			}
			if reset != tc.wantReset {
				t.Errorf("ResetStale() = %d, want %d", reset, tc.wantReset)
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestJobRepository_CleanupTerminal(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewJobRepository(db)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM jobs").
		WithArgs("86400 seconds").
		WillReturnResult(sqlmock.NewResult(0, 42))

	deleted, callErr := repo.CleanupTerminal(ctx, 24*time.Hour)
	if callErr != nil {
		t.Fatalf("CleanupTerminal() error = %v", callErr)
	}
	if deleted != 42 {
		t.Errorf("CleanupTerminal() = %d, want 42", deleted)
	}

	if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
		t.Errorf("unfulfilled expectations: %v", expectErr)
	}
}

func TestJobRepository_Stats(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewJobRepository(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("pending", 4).
		AddRow("completed", 17)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	stats, callErr := repo.Stats(ctx)
	if callErr != nil {
		t.Fatalf("Stats() error = %v", callErr)
	}
	if stats[domain.JobStatusPending] != 4 {
		t.Errorf("pending = %d, want 4", stats[domain.JobStatusPending])
	}
	if stats[domain.JobStatusCompleted] != 17 {
		t.Errorf("completed = %d, want 17", stats[domain.JobStatusCompleted])
	}

	if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
		t.Errorf("unfulfilled expectations: %v", expectErr)
	}
}
