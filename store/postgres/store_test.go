package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"resource-allocator/allocator"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New err: %#v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

var created = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStore_Init(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS resources")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveResource(t *testing.T) {
	s, mock := newMock(t)
	r := allocator.Resource{ID: "lab", Name: "Lab", Capacity: 4, Type: allocator.ResourceExclusive, Status: allocator.ResourceMaintenance, CreatedAt: created}
	mock.ExpectExec(regexp.QuoteMeta(upsertResource)).
		WithArgs("lab", "Lab", 4, "exclusive", "maintenance", created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveResource(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveRequest(t *testing.T) {
	start := created.Add(time.Hour)
	r := allocator.Request{ID: "r1", ResourceID: "lab", UserID: "u1", StartTime: start, EndTime: start.Add(time.Hour),
		CapacityRequired: 1, Priority: allocator.PriorityCritical, Status: allocator.RequestAllocated, CreatedAt: created}
	rejected := r
	rejected.ID, rejected.Status = "r2", allocator.RequestRejected
	rejected.PreemptedBy, rejected.Reason, rejected.Detail = "r9", "conflict", `preempted by higher-priority request "r9"`
	rejected.ConflictIDs = []string{"r9"}
	cancelled := r
	cancelled.ID, cancelled.Cancelled = "r3", true

	tests := []struct {
		name string
		req  allocator.Request
		args []driver.Value
	}{
		{"allocated", r, []driver.Value{"r1", "lab", "u1", start, start.Add(time.Hour), 1, "critical", "allocated", created,
			false, "", "", "", "{}"}},
		{"preempted", rejected, []driver.Value{"r2", "lab", "u1", start, start.Add(time.Hour), 1, "critical", "rejected", created,
			false, "r9", "conflict", `preempted by higher-priority request "r9"`, `{"r9"}`}},
		{"cancelled", cancelled, []driver.Value{"r3", "lab", "u1", start, start.Add(time.Hour), 1, "critical", "allocated", created,
			true, "", "", "", "{}"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectExec(regexp.QuoteMeta(upsertRequest)).WithArgs(tt.args...).WillReturnResult(sqlmock.NewResult(0, 1))
			require.NoError(t, s.SaveRequest(context.Background(), tt.req))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_DeleteResource(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(deleteResource)).WithArgs("x").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.DeleteResource(context.Background(), "x"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WriteError(t *testing.T) {
	s, mock := newMock(t)
	boom := errors.New("connection reset")
	mock.ExpectExec(regexp.QuoteMeta(deleteResource)).WithArgs("x").WillReturnError(boom)

	err := s.DeleteResource(context.Background(), "x")
	assert.True(t, errors.Is(err, boom), "err=%#v", err)
}

func TestStore_LoadResources(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"id", "name", "capacity", "type", "status", "created_at"}).
		AddRow("a", "A", 10, "shared", "online", created).
		AddRow("b", "B", 1, "exclusive", "offline", created)
	mock.ExpectQuery(regexp.QuoteMeta(selectResources)).WillReturnRows(rows)

	got, err := s.LoadResources(context.Background())
	require.NoError(t, err)
	want := []allocator.Resource{
		{ID: "a", Name: "A", Capacity: 10, Type: allocator.ResourceShared, Status: allocator.ResourceOnline, CreatedAt: created},
		{ID: "b", Name: "B", Capacity: 1, Type: allocator.ResourceExclusive, Status: allocator.ResourceOffline, CreatedAt: created},
	}
	assert.Equal(t, want, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadRequests(t *testing.T) {
	s, mock := newMock(t)
	start := created.Add(time.Hour)
	cols := []string{"id", "resource_id", "user_id", "start_time", "end_time", "capacity_required", "priority", "status", "created_at",
		"cancelled", "preempted_by", "reason", "detail", "conflict_ids"}

	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		wantErr bool
	}{
		{"valid", sqlmock.NewRows(cols).AddRow("r1", "a", "u", start, start.Add(time.Hour), 2, "high", "allocated", created,
			true, "", "", "", "{}"), false},
		{"unknown priority", sqlmock.NewRows(cols).AddRow("r2", "a", "u", start, start.Add(time.Hour), 2, "urgent", "allocated", created,
			false, "", "", "", "{}"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectQuery(regexp.QuoteMeta(selectRequests)).WillReturnRows(tt.rows)
			got, err := s.LoadRequests(context.Background())
			if tt.wantErr {
				assert.True(t, errors.Is(err, allocator.ErrValidation), "err=%#v", err)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, allocator.PriorityHigh, got[0].Priority)
			assert.Equal(t, allocator.RequestAllocated, got[0].Status)
			assert.Equal(t, 2, got[0].CapacityRequired)
			assert.True(t, got[0].Cancelled)
			assert.Empty(t, got[0].ConflictIDs)
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
