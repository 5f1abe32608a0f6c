// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	name   string
	result CheckResult
}

func (s stubChecker) Name() string                      { return s.name }
func (s stubChecker) Check(context.Context) CheckResult { return s.result }

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestReadyAggregatesComponentStatus(t *testing.T) {
	cases := []struct {
		name      string
		checkers  []Checker
		wantReady bool
		want      Status
	}{
		{"no checkers", nil, true, StatusHealthy},
		{"all healthy", []Checker{
			stubChecker{"db", CheckResult{Status: StatusHealthy}},
			stubChecker{"redis", CheckResult{Status: StatusHealthy}},
		}, true, StatusHealthy},
		{"degraded keeps serving", []Checker{
			stubChecker{"db", CheckResult{Status: StatusHealthy}},
			stubChecker{"spool", CheckResult{Status: StatusDegraded}},
		}, true, StatusDegraded},
		{"unhealthy removes from rotation", []Checker{
			stubChecker{"db", CheckResult{Status: StatusUnhealthy}},
			stubChecker{"spool", CheckResult{Status: StatusDegraded}},
		}, false, StatusUnhealthy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager("test")
			for _, c := range tc.checkers {
				m.RegisterChecker(c)
			}
			resp := m.Ready(context.Background())
			assert.Equal(t, tc.wantReady, resp.Ready)
			assert.Equal(t, tc.want, resp.Status)
		})
	}
}

func TestServeHealthAlwaysOK(t *testing.T) {
	m := NewManager("1.2.3")
	m.RegisterChecker(stubChecker{"db", CheckResult{Status: StatusUnhealthy}})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest("GET", "/healthz?verbose=true", nil))

	assert.Equal(t, 200, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
}

func TestServeReady503WhenUnhealthy(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(NewPingChecker("database", stubPinger{err: errors.New("connection refused")}))

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, 503, rec.Code)
}

func TestSpoolChecker(t *testing.T) {
	c := NewSpoolChecker(func() (int, error) { return 0, nil })
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	c = NewSpoolChecker(func() (int, error) { return 4, nil })
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
}
