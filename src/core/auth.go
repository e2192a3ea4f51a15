package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Node authentication header names
const (
	NodeSignatureHeader = "X-Node-Signature"
	NodeTimestampHeader = "X-Node-Timestamp"
)

// NodeAuthTimestampTolerance is the maximum age of a signed request (5 minutes)
const NodeAuthTimestampTolerance = 5 * time.Minute

// SignRequest creates an HMAC-SHA256 signature for a request.
// The signature covers: method + path + body + timestamp
func SignRequest(method, path string, body []byte, secret string, timestamp int64) string {
	message := fmt.Sprintf("%s\n%s\n%s\n%d", method, path, string(body), timestamp)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyRequest verifies the HMAC-SHA256 signature of a request.
// Returns false if the timestamp is stale or the signature doesn't match.
func VerifyRequest(method, path string, body []byte, secret string, timestamp int64, signature string) bool {
	now := time.Now().Unix()
	toleranceSec := int64(NodeAuthTimestampTolerance.Seconds())
	if timestamp < now-toleranceSec || timestamp > now+toleranceSec {
		return false
	}

	expectedSig := SignRequest(method, path, body, secret, timestamp)

	// Constant-time comparison
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expectedSig)) == 1
}

// signPeerRequest attaches node auth headers to an outbound request when a
// secret is configured.
func signPeerRequest(req *http.Request, body []byte, secret string) {
	if secret == "" {
		return
	}
	timestamp := time.Now().Unix()
	req.Header.Set(NodeTimestampHeader, strconv.FormatInt(timestamp, 10))
	req.Header.Set(NodeSignatureHeader, SignRequest(req.Method, req.URL.Path, body, secret, timestamp))
}

// verifyPeerRequest checks the node auth headers of an inbound request.
// Requests pass when no secret is configured, or when auth is optional and the
// request carries no signature.
func verifyPeerRequest(r *http.Request, body []byte, secret string, required bool) bool {
	signature := r.Header.Get(NodeSignatureHeader)
	if secret == "" {
		return !required
	}
	if signature == "" {
		return !required
	}
	timestamp, err := strconv.ParseInt(r.Header.Get(NodeTimestampHeader), 10, 64)
	if err != nil {
		return false
	}
	return VerifyRequest(r.Method, r.URL.Path, body, secret, timestamp, signature)
}
