// SPDX-License-Identifier: MIT

package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// MaxClockSkew bounds how old or future-dated a webhook timestamp may be.
const MaxClockSkew = 5 * time.Minute

// ComputeSignature returns the hex HMAC-SHA256 over
// timestamp || "." || nonce || "." || body.
func ComputeSignature(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the presented signature in constant time.
func VerifySignature(secret, timestamp, nonce string, body []byte, presented string) bool {
	want := ComputeSignature(secret, timestamp, nonce, body)
	return hmac.Equal([]byte(want), []byte(presented))
}

// TimestampFresh parses the unix-seconds timestamp and checks it against
// the skew window.
func TimestampFresh(timestamp string, now time.Time) bool {
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	delta := now.Sub(time.Unix(secs, 0))
	if delta < 0 {
		delta = -delta
	}
	return delta <= MaxClockSkew
}
