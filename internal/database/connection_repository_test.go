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

const connectionColumnsQuery = "SELECT"

var connectionColumns = []string{
	"id", "user_id", "platform", "platform_user_id",
	"access_token", "refresh_token", "expires_at", "active", "created_at", "updated_at",
}

func TestConnectionRepository_Upsert(t *testing.T) {
	t.Helper()
	runUpsertTests(t)
}

func runUpsertTests(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewConnectionRepository(db)
	ctx := context.Background()
	now := time.Now()

	testCases := []struct {
		name      string
		setupMock func()
		wantErr   bool
	}{
		{
			name: "inserts or replaces connection",
			setupMock: func() {
				rows := sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
					AddRow("conn-1", now, now)
				mock.ExpectQuery("INSERT INTO connections").WillReturnRows(rows)
			},
		},
		{
			name: "database error returns error",
			setupMock: func() {
				mock.ExpectQuery("INSERT INTO connections").WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()

			conn := &domain.Connection{
				UserID:         "user-1",
				Platform:       "twitter",
				PlatformUserID: "tw-789",
				AccessToken:    "at-123",
			}
			callErr := repo.Upsert(ctx, conn)
			if (callErr != nil) != tc.wantErr {
				t.Errorf("Upsert() error = %v, wantErr %v", callErr, tc.wantErr)
			}
			if !tc.wantErr {
				if conn.ID != "conn-1" {
					t.Errorf("ID = %s, want conn-1 (keeps existing row id on conflict)", conn.ID)
				}
				if !conn.Active {
					t.Error("Upsert() must leave the connection active")
				}
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestConnectionRepository_GetActive(t *testing.T) {
	t.Helper()
	runGetActiveTests(t)
}

func runGetActiveTests(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewConnectionRepository(db)
	ctx := context.Background()
	now := time.Now()

	testCases := []struct {
		name      string
		setupMock func()
		wantErr   error
	}{
		{
			name: "returns active connection",
			setupMock: func() {
				rows := sqlmock.NewRows(connectionColumns).
					AddRow("conn-1", "user-1", "twitter", "tw-789",
						"at-123", "rt-456", now.Add(time.Hour), true, now, now)
				mock.ExpectQuery(connectionColumnsQuery).
					WithArgs("user-1", "twitter").
					WillReturnRows(rows)
			},
		},
		{
			name: "missing connection maps to ErrNoConnection",
			setupMock: func() {
				mock.ExpectQuery(connectionColumnsQuery).
					WithArgs("user-1", "twitter").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: domain.ErrNoConnection,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()

			conn, callErr := repo.GetActive(ctx, "user-1", "twitter")
			if tc.wantErr != nil {
				if !errors.Is(callErr, tc.wantErr) {
					t.Errorf("GetActive() error = %v, want %v", callErr, tc.wantErr)
				}
				return
			}
			if callErr != nil {
				t.Fatalf("GetActive() error = %v", callErr)
			}
			if conn.AccessToken != "at-123" {
				t.Errorf("AccessToken = %s, want at-123", conn.AccessToken)
			}
			if conn.RefreshToken == nil || *conn.RefreshToken != "rt-456" {
				t.Errorf("RefreshToken = %v, want rt-456", conn.RefreshToken)
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestConnectionRepository_ListByUser(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewConnectionRepository(db)
	ctx := context.Background()
	now := time.Now()

	rows := sqlmock.NewRows(connectionColumns).
		AddRow("conn-1", "user-1", "linkedin", "li-1", "at-1", nil, nil, true, now, now).
		AddRow("conn-2", "user-1", "twitter", "tw-1", "at-2", "rt-2", now.Add(time.Hour), false, now, now)
	mock.ExpectQuery(connectionColumnsQuery).WithArgs("user-1").WillReturnRows(rows)

	conns, callErr := repo.ListByUser(ctx, "user-1")
	if callErr != nil {
		t.Fatalf("ListByUser() error = %v", callErr)
	}
	if len(conns) != 2 {
		t.Fatalf("ListByUser() = %d connections, want 2", len(conns))
	}
	if conns[1].Active {
		t.Error("deactivated connection must be listed as inactive")
	}

	if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
		t.Errorf("unfulfilled expectations: %v", expectErr)
	}
}

func TestConnectionRepository_UpdateToken(t *testing.T) {
	t.Helper()
	runUpdateTokenTests(t)
}

func runUpdateTokenTests(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewConnectionRepository(db)
	ctx := context.Background()
	refresh := "rt-new"
	expiresAt := time.Now().Add(2 * time.Hour)

	testCases := []struct {
		name      string
		setupMock func()
		wantErr   error
	}{
		{
			name: "stores refreshed tokens",
			setupMock: func() {
				mock.ExpectExec("UPDATE connections").
					WithArgs("conn-1", "at-new", refresh, expiresAt).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "missing connection maps to ErrNotFound",
			setupMock: func() {
				mock.ExpectExec("UPDATE connections").
					WithArgs("conn-1", "at-new", refresh, expiresAt).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr: domain.ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()

			callErr := repo.UpdateToken(ctx, "conn-1", "at-new", &refresh, &expiresAt)
			if tc.wantErr != nil {
				if !errors.Is(callErr, tc.wantErr) {
					t.Errorf("UpdateToken() error = %v, want %v", callErr, tc.wantErr)
				}
			} else if callErr != nil {
				t.Errorf("UpdateToken() error = %v", callErr)
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestConnectionRepository_Deactivate(t *testing.T) {
	t.Helper()

	db, mock := newMockDB(t)
	repo := database.NewConnectionRepository(db)
	ctx := context.Background()

	mock.ExpectExec("UPDATE connections").
		WithArgs("user-1", "twitter").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if callErr := repo.Deactivate(ctx, "user-1", "twitter"); callErr != nil {
		t.Errorf("Deactivate() error = %v", callErr)
	}

	mock.ExpectExec("UPDATE connections").
		WithArgs("user-1", "twitter").
		WillReturnResult(sqlmock.NewResult(0, 0))

	callErr := repo.Deactivate(ctx, "user-1", "twitter")
	if !errors.Is(callErr, domain.ErrNotFound) {
		t.Errorf("Deactivate() error = %v, want ErrNotFound", callErr)
	}

	if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
		t.Errorf("unfulfilled expectations: %v", expectErr)
	}
}
