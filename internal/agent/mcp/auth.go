package mcp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerAgentID   = "x-agent-id"
	headerTS        = "x-ts"
	headerSignature = "x-signature"
	headerNonce     = "x-nonce"

	defaultSkew = 5 * time.Minute
)

// canonicalString is the legacy (nonce-less) signing input.
func canonicalString(ts, method, pathname string, rawBody []byte) string {
	return strings.Join([]string{ts, strings.ToUpper(method), pathname, string(rawBody)}, "\n")
}

func canonicalStringV2(ts, method, pathname, agentID, nonce string, rawBody []byte) string {
	return strings.Join([]string{
		ts,
		strings.ToUpper(method),
		pathname,
		strings.TrimSpace(agentID),
		strings.TrimSpace(nonce),
		string(rawBody),
	}, "\n")
}

func signHMAC(secret []byte, canonical string) string {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

// authError carries the HTTP status for a rejected request.
type authError struct {
	status int
	msg    string
}

func (e *authError) Error() string { return e.msg }

func unauthorized(msg string) *authError {
	return &authError{status: http.StatusUnauthorized, msg: msg}
}

type verified struct {
	agentID   string
	signature string
}

// hmacVerifier checks x-agent-id/x-ts/x-nonce/x-signature headers against a
// shared secret. Legacy signatures omit agent id and nonce.
type hmacVerifier struct {
	secret      []byte
	allowLegacy bool
	skew        time.Duration
}

func (v hmacVerifier) verify(r *http.Request, rawBody []byte, now time.Time) (verified, *authError) {
	agentID := strings.TrimSpace(r.Header.Get(headerAgentID))
	if agentID == "" {
		return verified{}, unauthorized("missing x-agent-id")
	}
	tsStr := strings.TrimSpace(r.Header.Get(headerTS))
	if tsStr == "" {
		return verified{}, unauthorized("missing x-ts")
	}
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(headerSignature)))
	if sig == "" {
		return verified{}, unauthorized("missing x-signature")
	}
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	if nonce == "" && !v.allowLegacy {
		return verified{}, unauthorized("missing x-nonce")
	}

	tsMS, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return verified{}, unauthorized("bad x-ts")
	}
	skew := v.skew
	if skew <= 0 {
		skew = defaultSkew
	}
	if d := time.Duration(now.UnixMilli()-tsMS) * time.Millisecond; d > skew || d < -skew {
		return verified{}, unauthorized("x-ts outside window")
	}

	var want string
	if nonce != "" {
		want = signHMAC(v.secret, canonicalStringV2(tsStr, r.Method, r.URL.Path, agentID, nonce, rawBody))
	} else {
		want = signHMAC(v.secret, canonicalString(tsStr, r.Method, r.URL.Path, rawBody))
	}
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return verified{}, unauthorized("bad signature")
	}
	return verified{agentID: agentID, signature: sig}, nil
}

func requireLoopback(r *http.Request) error {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("forbidden: non-loopback client")
}
