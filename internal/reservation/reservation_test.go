// SPDX-License-Identifier: MIT

package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotsense/spotsense/internal/audit"
	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/store"
)

type recordingEvaluator struct {
	calls []string
}

func (r *recordingEvaluator) Evaluate(_ context.Context, _, spaceID uuid.UUID, trigger string) error {
	r.calls = append(r.calls, trigger)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *recordingEvaluator) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewFromDB(db)
	ev := &recordingEvaluator{}
	return NewEngine(st, ev, audit.NewRecorder(st), 15*time.Minute), mock, ev
}

func reservationColumns() []string {
	return []string{"id", "tenant_id", "space_id", "start_at", "end_at", "status", "request_id", "requester", "created_at", "deleted_at"}
}

func TestCreateValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	now := time.Now()
	base := CreateRequest{TenantID: uuid.New(), SpaceID: uuid.New()}

	cases := []struct {
		name       string
		start, end time.Time
		code       string
	}{
		{"end before start", now.Add(time.Hour), now, "invalid-window"},
		{"zero-length window", now, now, "invalid-window"},
		{"longer than a day", now, now.Add(25 * time.Hour), "window-too-long"},
		{"entirely in the past", now.Add(-3 * time.Hour), now.Add(-2 * time.Hour), "window-in-past"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			req.Start, req.End = tc.start, tc.end
			_, err := e.Create(context.Background(), req)
			var fe *fault.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.code, fe.Code)
			assert.Equal(t, fault.Validation, fe.Kind)
		})
	}
}

func TestCreateIdempotentRetryReturnsOriginal(t *testing.T) {
	e, mock, ev := newTestEngine(t)
	tenant, space, original := uuid.New(), uuid.New(), uuid.New()
	start, end := time.Now().Add(time.Hour), time.Now().Add(2*time.Hour)

	mock.ExpectQuery(`SELECT \* FROM reservations`).
		WithArgs(tenant, "req-7").
		WillReturnRows(sqlmock.NewRows(reservationColumns()).AddRow(
			original, tenant, space, start, end, "confirmed", "req-7", "kiosk", time.Now(), nil))

	got, err := e.Create(context.Background(), CreateRequest{
		TenantID:  tenant,
		SpaceID:   space,
		Start:     start,
		End:       end,
		RequestID: "req-7",
	})
	require.NoError(t, err)
	assert.Equal(t, original, got.ID)
	assert.Empty(t, ev.calls, "a replayed create must not re-evaluate")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTriggersReevaluationWhenVisible(t *testing.T) {
	e, mock, ev := newTestEngine(t)
	tenant, space := uuid.New(), uuid.New()
	start, end := time.Now().Add(5*time.Minute), time.Now().Add(time.Hour)

	mock.ExpectExec(`INSERT INTO reservations`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := e.Create(context.Background(), CreateRequest{
		TenantID: tenant,
		SpaceID:  space,
		Start:    start,
		End:      end,
		Actor:    audit.Entry{ActorKind: model.ActorUser, ActorID: "u-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"reservation"}, ev.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFarFutureSkipsReevaluation(t *testing.T) {
	e, mock, ev := newTestEngine(t)
	start, end := time.Now().Add(3*time.Hour), time.Now().Add(4*time.Hour)

	mock.ExpectExec(`INSERT INTO reservations`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := e.Create(context.Background(), CreateRequest{
		TenantID: uuid.New(),
		SpaceID:  uuid.New(),
		Start:    start,
		End:      end,
	})
	require.NoError(t, err)
	assert.Empty(t, ev.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateArmsBoundaryRepaints(t *testing.T) {
	e, mock, ev := newTestEngine(t)
	var waits []time.Duration
	var fns []func()
	e.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		waits = append(waits, d)
		fns = append(fns, fn)
		return nil
	}

	start, end := time.Now().Add(time.Hour), time.Now().Add(2*time.Hour)
	mock.ExpectExec(`INSERT INTO reservations`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := e.Create(context.Background(), CreateRequest{
		TenantID: uuid.New(),
		SpaceID:  uuid.New(),
		Start:    start,
		End:      end,
	})
	require.NoError(t, err)

	// One timer at start minus the reserved-soon lead, one at the end.
	require.Len(t, fns, 2)
	assert.InDelta(t, (45 * time.Minute).Seconds(), waits[0].Seconds(), 5)
	assert.InDelta(t, (2 * time.Hour).Seconds(), waits[1].Seconds(), 5)

	for _, fn := range fns {
		fn()
	}
	assert.Equal(t, []string{"reserved_soon", "reservation_ended"}, ev.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelIsIdempotent(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	tenant, id := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT \* FROM reservations`).
		WillReturnRows(sqlmock.NewRows(reservationColumns()).AddRow(
			id, tenant, uuid.New(), time.Now(), time.Now().Add(time.Hour),
			"cancelled", "", "", time.Now(), nil))

	require.NoError(t, e.Cancel(context.Background(), tenant, id, audit.Entry{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelExpiredConflicts(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	tenant, id := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT \* FROM reservations`).
		WillReturnRows(sqlmock.NewRows(reservationColumns()).AddRow(
			id, tenant, uuid.New(), time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour),
			"expired", "", "", time.Now(), nil))
	mock.ExpectExec(`UPDATE reservations SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := e.Cancel(context.Background(), tenant, id, audit.Entry{})
	assert.Equal(t, fault.Conflict, fault.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAvailability(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	tenant, space := uuid.New(), uuid.New()
	from, to := time.Now(), time.Now().Add(time.Hour)

	t.Run("invalid window", func(t *testing.T) {
		_, _, err := e.CheckAvailability(context.Background(), tenant, space, to, from)
		assert.Equal(t, fault.Validation, fault.KindOf(err))
	})

	t.Run("free", func(t *testing.T) {
		mock.ExpectQuery(`SELECT \* FROM reservations`).
			WillReturnRows(sqlmock.NewRows(reservationColumns()))
		free, conflicts, err := e.CheckAvailability(context.Background(), tenant, space, from, to)
		require.NoError(t, err)
		assert.True(t, free)
		assert.Empty(t, conflicts)
	})

	t.Run("conflicting booking", func(t *testing.T) {
		mock.ExpectQuery(`SELECT \* FROM reservations`).
			WillReturnRows(sqlmock.NewRows(reservationColumns()).AddRow(
				uuid.New(), tenant, space, from.Add(30*time.Minute), to.Add(time.Hour),
				"confirmed", "", "", time.Now(), nil))
		free, conflicts, err := e.CheckAvailability(context.Background(), tenant, space, from, to)
		require.NoError(t, err)
		assert.False(t, free)
		assert.Len(t, conflicts, 1)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireDueReevaluatesSpaces(t *testing.T) {
	e, mock, ev := newTestEngine(t)

	mock.ExpectQuery(`UPDATE reservations SET status = 'expired'`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "space_id"}).
			AddRow(uuid.New(), uuid.New(), uuid.New()).
			AddRow(uuid.New(), uuid.New(), uuid.New()))

	require.NoError(t, e.ExpireDue(context.Background()))
	assert.Equal(t, []string{"reservation_expired", "reservation_expired"}, ev.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}
