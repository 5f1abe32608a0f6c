// SPDX-License-Identifier: MIT

package api

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/ingest"
)

// Webhook signature headers, set by the LNS forwarder.
const (
	headerSignature = "X-Parkd-Signature"
	headerTimestamp = "X-Parkd-Timestamp"
	headerNonce     = "X-Parkd-Nonce"
)

const maxWebhookBody = 256 << 10

// handleWebhook feeds an LNS delivery into the ingest pipeline and maps the
// outcome onto HTTP: accepted, duplicate and orphan are 200, spooled is a
// 202, failures follow the fault taxonomy.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, fault.Wrap(fault.Validation, "body-too-large", "webhook body rejected", err))
		return
	}

	env := ingest.RawEnvelope{
		Body:       body,
		Signature:  r.Header.Get(headerSignature),
		Timestamp:  r.Header.Get(headerTimestamp),
		Nonce:      r.Header.Get(headerNonce),
		TenantSlug: chi.URLParam(r, "slug"),
		SourceIP:   remoteIP(r),
		ReceivedAt: time.Now(),
	}

	res, err := s.pipeline.Ingest(r.Context(), env)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == ingest.OutcomeSpooled {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, map[string]string{"result": string(res.Outcome)})
}
