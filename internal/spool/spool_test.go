// SPDX-License-Identifier: MIT

package spool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/ingest"
)

type scriptedIngestor struct {
	results []ingest.Result
	errs    []error
	seen    []ingest.RawEnvelope
}

func (s *scriptedIngestor) Ingest(_ context.Context, env ingest.RawEnvelope) (ingest.Result, error) {
	s.seen = append(s.seen, env)
	i := len(s.seen) - 1
	var res ingest.Result
	var err error
	if i < len(s.results) {
		res = s.results[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return res, err
}

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	sp, err := New(t.TempDir())
	require.NoError(t, err)
	return sp
}

func TestSpoolWritesAndListsInOrder(t *testing.T) {
	sp := newTestSpool(t)
	ctx := context.Background()

	require.NoError(t, sp.Spool(ctx, ingest.RawEnvelope{Nonce: "first"}))
	require.NoError(t, sp.Spool(ctx, ingest.RawEnvelope{Nonce: "second"}))

	depth, err := sp.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	files, err := sp.pendingFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Less(t, filepath.Base(files[0]), filepath.Base(files[1]))
}

func TestDrainReplaysAndRemoves(t *testing.T) {
	sp := newTestSpool(t)
	ing := &scriptedIngestor{results: []ingest.Result{{Outcome: ingest.OutcomeAccepted}}}
	d := NewDrainer(sp, ing, 5, time.Second)

	require.NoError(t, sp.Spool(context.Background(), ingest.RawEnvelope{Nonce: "n-1"}))
	d.Drain(context.Background())

	require.Len(t, ing.seen, 1)
	assert.Equal(t, "n-1", ing.seen[0].Nonce)
	assert.Equal(t, 1, ing.seen[0].Attempts, "replay must carry the attempt bump")
	depth, err := sp.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDrainKeepsFileOnTransientFailure(t *testing.T) {
	sp := newTestSpool(t)
	ing := &scriptedIngestor{errs: []error{fault.New(fault.Unavailable, "db-down", "store unavailable")}}
	d := NewDrainer(sp, ing, 5, time.Second)

	require.NoError(t, sp.Spool(context.Background(), ingest.RawEnvelope{Nonce: "n-1"}))
	d.Drain(context.Background())

	depth, err := sp.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "transient failures keep the envelope pending")
}

func TestDrainDeadLettersRejections(t *testing.T) {
	sp := newTestSpool(t)
	ing := &scriptedIngestor{errs: []error{fault.New(fault.Unauthenticated, "bad-signature", "signature mismatch")}}
	d := NewDrainer(sp, ing, 5, time.Second)

	require.NoError(t, sp.Spool(context.Background(), ingest.RawEnvelope{Nonce: "n-1"}))
	d.Drain(context.Background())

	depth, err := sp.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
	dead, err := os.ReadDir(sp.dead)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestDrainDeadLettersExhaustedAttempts(t *testing.T) {
	sp := newTestSpool(t)
	ing := &scriptedIngestor{}
	d := NewDrainer(sp, ing, 3, time.Second)

	require.NoError(t, sp.Spool(context.Background(), ingest.RawEnvelope{Nonce: "n-1", Attempts: 3}))
	d.Drain(context.Background())

	assert.Empty(t, ing.seen, "exhausted envelopes are not replayed")
	dead, err := os.ReadDir(sp.dead)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestDrainDeadLettersUnreadableFile(t *testing.T) {
	sp := newTestSpool(t)
	d := NewDrainer(sp, &scriptedIngestor{}, 5, time.Second)

	require.NoError(t, os.WriteFile(filepath.Join(sp.pending, "000-garbage.json"), []byte("{"), 0o640))
	d.Drain(context.Background())

	dead, err := os.ReadDir(sp.dead)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestBackoffDefersRetry(t *testing.T) {
	sp := newTestSpool(t)
	ing := &scriptedIngestor{}
	d := NewDrainer(sp, ing, 5, time.Second)

	// Attempts=2 means a 4s backoff; the fresh mtime is inside it.
	require.NoError(t, sp.Spool(context.Background(), ingest.RawEnvelope{Nonce: "n-1", Attempts: 2}))
	d.Drain(context.Background())
	assert.Empty(t, ing.seen)

	d.now = func() time.Time { return time.Now().Add(10 * time.Second) }
	ing.results = []ingest.Result{{Outcome: ingest.OutcomeAccepted}}
	d.Drain(context.Background())
	assert.Len(t, ing.seen, 1)
}
