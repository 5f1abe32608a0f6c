// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotsense/spotsense/internal/coord"
	"github.com/spotsense/spotsense/internal/decode"
	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/ratelimit"
	"github.com/spotsense/spotsense/internal/store"
)

type fakeApplier struct {
	calls int
	space uuid.UUID
	occ   model.Occupancy
}

func (f *fakeApplier) ApplyReading(_ context.Context, _, spaceID uuid.UUID, occ model.Occupancy, _ time.Time) error {
	f.calls++
	f.space = spaceID
	f.occ = occ
	return nil
}

type fakeAcker struct{ calls int }

func (f *fakeAcker) Acknowledge(context.Context, string, []byte) error {
	f.calls++
	return nil
}

type fakeSpooler struct {
	spooled []RawEnvelope
	err     error
}

func (f *fakeSpooler) Spool(_ context.Context, env RawEnvelope) error {
	if f.err != nil {
		return f.err
	}
	f.spooled = append(f.spooled, env)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	mock     sqlmock.Sqlmock
	applier  *fakeApplier
	acker    *fakeAcker
	spooler  *fakeSpooler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cs := coord.NewFromClient(client)

	limiter := ratelimit.New(cs, map[string]ratelimit.Limit{
		ratelimit.BucketTenantIngest: {Rate: 1000, Burst: 1000},
		ratelimit.BucketGateway:      {Rate: 1000, Burst: 1000},
		ratelimit.BucketOrphan:       {Rate: 1, Burst: 1},
	})

	f := &fixture{
		mock:    mock,
		applier: &fakeApplier{},
		acker:   &fakeAcker{},
		spooler: &fakeSpooler{},
	}
	f.pipeline = New(store.NewFromDB(db), cs, limiter, decode.NewRegistry(),
		f.applier, f.acker, f.spooler, cfg)
	return f
}

func deviceColumns() []string {
	return []string{"id", "tenant_id", "eui", "type", "role", "lifecycle", "space_id", "last_seen", "created_at", "deleted_at"}
}

func tenantColumns() []string {
	return []string{"id", "slug", "name", "active", "tier", "webhook_secret", "features", "quotas", "created_at", "archived_at"}
}

func uplinkBody(t *testing.T, eui string, fcnt uint32, port uint8, payload []byte) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"dev_eui":     eui,
		"f_cnt":       fcnt,
		"f_port":      port,
		"frm_payload": base64.StdEncoding.EncodeToString(payload),
		"rx_info": []map[string]any{
			{"gateway_eui": "AABBCCDDEEFF0011", "rssi": -70, "snr": 9.5},
		},
	})
	require.NoError(t, err)
	return body
}

func signedEnvelope(t *testing.T, secret string, body []byte) RawEnvelope {
	t.Helper()
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)
	nonce := uuid.NewString()
	return RawEnvelope{
		Body:       body,
		Signature:  ComputeSignature(secret, ts, nonce, body),
		Timestamp:  ts,
		Nonce:      nonce,
		SourceIP:   "203.0.113.7",
		ReceivedAt: now,
	}
}

func expectResolve(f *fixture, tenantID uuid.UUID, spaceID *uuid.UUID, secret string) {
	f.mock.ExpectQuery(`SELECT \* FROM devices`).
		WillReturnRows(sqlmock.NewRows(deviceColumns()).AddRow(
			uuid.New(), tenantID, "0011223344556677", "motion-sensor", "sensor",
			"active", spaceID, nil, time.Now(), nil))
	f.mock.ExpectQuery(`SELECT \* FROM tenants WHERE id`).
		WillReturnRows(sqlmock.NewRows(tenantColumns()).AddRow(
			tenantID, "city-north", "City North", true, "standard", secret,
			[]byte(`{}`), []byte(`{}`), time.Now(), nil))
}

func TestIngestMalformedBody(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.pipeline.Ingest(context.Background(), RawEnvelope{Body: []byte("not json")})
	assert.Equal(t, fault.Validation, fault.KindOf(err))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, "malformed", res.Reason)
}

func TestIngestAcceptedTriggersReevaluation(t *testing.T) {
	f := newFixture(t, Config{})
	tenant, space := uuid.New(), uuid.New()
	body := uplinkBody(t, "0011223344556677", 42, 1, []byte{0x01, 0x55, 0x00, 0xE6})

	expectResolve(f, tenant, &space, "topsecret")
	f.mock.ExpectExec(`INSERT INTO gateways`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO sensor_readings`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE devices SET last_seen`).WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := f.pipeline.Ingest(context.Background(), signedEnvelope(t, "topsecret", body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, 1, f.applier.calls)
	assert.Equal(t, space, f.applier.space)
	assert.Equal(t, model.OccupancyOccupied, f.applier.occ)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestIngestDuplicateFcnt(t *testing.T) {
	f := newFixture(t, Config{})
	tenant := uuid.New()
	body := uplinkBody(t, "0011223344556677", 42, 1, []byte{0x00, 0x50, 0x00, 0xC8})

	expectResolve(f, tenant, nil, "topsecret")
	f.mock.ExpectExec(`INSERT INTO gateways`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO sensor_readings`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	res, err := f.pipeline.Ingest(context.Background(), signedEnvelope(t, "topsecret", body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Zero(t, f.applier.calls)
}

func TestIngestBadSignature(t *testing.T) {
	f := newFixture(t, Config{})
	body := uplinkBody(t, "0011223344556677", 1, 1, []byte{0x01, 0x55, 0x00, 0xE6})

	expectResolve(f, uuid.New(), nil, "topsecret")

	env := signedEnvelope(t, "wrong-secret", body)
	_, err := f.pipeline.Ingest(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, fault.Unauthenticated, fault.KindOf(err))
}

func TestIngestStaleTimestamp(t *testing.T) {
	f := newFixture(t, Config{})
	body := uplinkBody(t, "0011223344556677", 1, 1, []byte{0x01, 0x55, 0x00, 0xE6})

	expectResolve(f, uuid.New(), nil, "topsecret")

	env := signedEnvelope(t, "topsecret", body)
	env.Timestamp = strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	env.Signature = ComputeSignature("topsecret", env.Timestamp, env.Nonce, body)
	_, err := f.pipeline.Ingest(context.Background(), env)
	require.Error(t, err)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "stale-timestamp", fe.Code)
}

func TestIngestNonceReplay(t *testing.T) {
	f := newFixture(t, Config{})
	tenant := uuid.New()
	body := uplinkBody(t, "0011223344556677", 1, 1, []byte{0x01, 0x55, 0x00, 0xE6})
	env := signedEnvelope(t, "topsecret", body)

	expectResolve(f, tenant, nil, "topsecret")
	f.mock.ExpectExec(`INSERT INTO gateways`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO sensor_readings`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE devices SET last_seen`).WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.pipeline.Ingest(context.Background(), env)
	require.NoError(t, err)

	// Same nonce again: rejected before any persistence.
	expectResolve(f, tenant, nil, "topsecret")
	_, err = f.pipeline.Ingest(context.Background(), env)
	require.Error(t, err)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "nonce-replay", fe.Code)
	assert.Equal(t, fault.Conflict, fe.Kind)
}

func TestIngestUnsignedFailClosed(t *testing.T) {
	f := newFixture(t, Config{RequireSignature: true})
	body := uplinkBody(t, "0011223344556677", 1, 1, []byte{0x01, 0x55, 0x00, 0xE6})

	expectResolve(f, uuid.New(), nil, "")

	env := RawEnvelope{Body: body, SourceIP: "203.0.113.7", ReceivedAt: time.Now()}
	_, err := f.pipeline.Ingest(context.Background(), env)
	require.Error(t, err)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "unsigned", fe.Code)
}

func TestIngestUnsignedAllowedWhenOptional(t *testing.T) {
	f := newFixture(t, Config{RequireSignature: false})
	tenant := uuid.New()
	body := uplinkBody(t, "0011223344556677", 1, 1, []byte{0x00, 0x55, 0x00, 0xE6})

	expectResolve(f, tenant, nil, "")
	f.mock.ExpectExec(`INSERT INTO gateways`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO sensor_readings`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE devices SET last_seen`).WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := f.pipeline.Ingest(context.Background(), RawEnvelope{
		Body: body, SourceIP: "203.0.113.7", ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
}

func TestIngestOrphanPath(t *testing.T) {
	f := newFixture(t, Config{})
	body := uplinkBody(t, "FFEEDDCCBBAA9988", 7, 1, []byte{0x01, 0x55, 0x00, 0xE6})

	f.mock.ExpectQuery(`SELECT \* FROM devices`).
		WillReturnRows(sqlmock.NewRows(deviceColumns()))
	f.mock.ExpectExec(`INSERT INTO orphan_devices`).WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := f.pipeline.Ingest(context.Background(), signedEnvelope(t, "irrelevant", body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphan, res.Outcome)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestIngestOrphanFloodRejected(t *testing.T) {
	f := newFixture(t, Config{})
	body := uplinkBody(t, "FFEEDDCCBBAA9988", 7, 1, []byte{0x01, 0x55, 0x00, 0xE6})
	env := signedEnvelope(t, "irrelevant", body)

	// Burst of 1: the second orphan from the same source trips the limiter.
	f.mock.ExpectQuery(`SELECT \* FROM devices`).
		WillReturnRows(sqlmock.NewRows(deviceColumns()))
	f.mock.ExpectExec(`INSERT INTO orphan_devices`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT \* FROM devices`).
		WillReturnRows(sqlmock.NewRows(deviceColumns()))

	_, err := f.pipeline.Ingest(context.Background(), env)
	require.NoError(t, err)
	res, err := f.pipeline.Ingest(context.Background(), env)
	assert.Equal(t, fault.RateLimited, fault.KindOf(err))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, "flood", res.Reason)
}

func TestIngestSpoolsOnStoreFailure(t *testing.T) {
	f := newFixture(t, Config{})
	tenant := uuid.New()
	body := uplinkBody(t, "0011223344556677", 9, 1, []byte{0x01, 0x55, 0x00, 0xE6})

	expectResolve(f, tenant, nil, "topsecret")
	f.mock.ExpectExec(`INSERT INTO gateways`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO sensor_readings`).
		WillReturnError(errors.New("connection refused"))

	env := signedEnvelope(t, "topsecret", body)
	res, err := f.pipeline.Ingest(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSpooled, res.Outcome)
	require.Len(t, f.spooler.spooled, 1)
	assert.Equal(t, env.Nonce, f.spooler.spooled[0].Nonce)
}

func TestIngestIndicatorEchoAcknowledges(t *testing.T) {
	f := newFixture(t, Config{})
	tenant := uuid.New()
	body := uplinkBody(t, "0011223344556677", 3, decode.DisplayPort, []byte{0xFF, 0x00, 0x00, 0x64, 0x00})

	f.mock.ExpectQuery(`SELECT \* FROM devices`).
		WillReturnRows(sqlmock.NewRows(deviceColumns()).AddRow(
			uuid.New(), tenant, "0011223344556677", "indicator", "sensor",
			"active", nil, nil, time.Now(), nil))
	f.mock.ExpectQuery(`SELECT \* FROM tenants WHERE id`).
		WillReturnRows(sqlmock.NewRows(tenantColumns()).AddRow(
			tenant, "city-north", "City North", true, "standard", "topsecret",
			[]byte(`{}`), []byte(`{}`), time.Now(), nil))
	f.mock.ExpectExec(`INSERT INTO gateways`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO sensor_readings`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE devices SET last_seen`).WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := f.pipeline.Ingest(context.Background(), signedEnvelope(t, "topsecret", body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, 1, f.acker.calls)
}

func TestIngestSlugMismatchGoesOrphan(t *testing.T) {
	f := newFixture(t, Config{})
	body := uplinkBody(t, "0011223344556677", 1, 1, []byte{0x01, 0x55, 0x00, 0xE6})

	expectResolve(f, uuid.New(), nil, "topsecret")
	f.mock.ExpectQuery(`SELECT \* FROM tenants WHERE slug`).
		WillReturnRows(sqlmock.NewRows(tenantColumns()))
	f.mock.ExpectExec(`INSERT INTO orphan_devices`).WillReturnResult(sqlmock.NewResult(0, 1))

	env := signedEnvelope(t, "topsecret", body)
	env.TenantSlug = "some-other-tenant"
	res, err := f.pipeline.Ingest(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphan, res.Outcome)
}

func TestIngestOrphanWithSlugStillVerifiesSignature(t *testing.T) {
	f := newFixture(t, Config{})
	tenant := uuid.New()
	body := uplinkBody(t, "FFEEDDCCBBAA9988", 7, 1, []byte{0x01, 0x55, 0x00, 0xE6})

	f.mock.ExpectQuery(`SELECT \* FROM devices`).
		WillReturnRows(sqlmock.NewRows(deviceColumns()))
	f.mock.ExpectQuery(`SELECT \* FROM tenants WHERE slug`).
		WillReturnRows(sqlmock.NewRows(tenantColumns()).AddRow(
			tenant, "city-north", "City North", true, "standard", "topsecret",
			[]byte(`{}`), []byte(`{}`), time.Now(), nil))

	env := signedEnvelope(t, "wrong-secret", body)
	env.TenantSlug = "city-north"
	_, err := f.pipeline.Ingest(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, fault.Unauthenticated, fault.KindOf(err))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestIngestSpooledEnvelopeReplaysCleanly(t *testing.T) {
	f := newFixture(t, Config{})
	tenant := uuid.New()
	body := uplinkBody(t, "0011223344556677", 11, 1, []byte{0x01, 0x55, 0x00, 0xE6})

	expectResolve(f, tenant, nil, "topsecret")
	f.mock.ExpectExec(`INSERT INTO gateways`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO sensor_readings`).
		WillReturnError(errors.New("connection refused"))

	res, err := f.pipeline.Ingest(context.Background(), signedEnvelope(t, "topsecret", body))
	require.NoError(t, err)
	require.Equal(t, OutcomeSpooled, res.Outcome)
	require.Len(t, f.spooler.spooled, 1)
	replay := f.spooler.spooled[0]
	assert.True(t, replay.Verified)

	// The store is back: the replay must land even though its nonce was
	// consumed on first contact.
	expectResolve(f, tenant, nil, "topsecret")
	f.mock.ExpectExec(`INSERT INTO gateways`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO sensor_readings`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE devices SET last_seen`).WillReturnResult(sqlmock.NewResult(0, 1))

	res, err = f.pipeline.Ingest(context.Background(), replay)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	require.NoError(t, f.mock.ExpectationsWereMet())
}
