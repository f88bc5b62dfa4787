package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrSignatureMismatch is returned when a body signature does not verify.
var ErrSignatureMismatch = errors.New("auth: signature mismatch")

// BodySignature verifies HMAC-SHA256 signatures over raw webhook bodies. Accepted header shapes:
//
//	<hex> | <base64> | sha256=<hex> | t=<unix>,v1=<hex>[,v1=<hex>]
//
// The timestamped shape signs "<t>.<body>" and is rejected outside Tolerance.
type BodySignature struct {
	Secret    []byte
	Tolerance time.Duration
	Now       func() time.Time
}

// NewBodySignature builds a verifier for secret with a five minute replay window.
func NewBodySignature(secret string) BodySignature {
	return BodySignature{Secret: []byte(secret), Tolerance: 5 * time.Minute, Now: time.Now}
}

// Verify reports whether header carries a valid signature of body.
func (s BodySignature) Verify(body []byte, header string) error {
	if len(s.Secret) == 0 {
		return errors.New("auth: signing secret not configured")
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrSignatureMismatch
	}

	if strings.Contains(header, "t=") && strings.Contains(header, "v1=") {
		return s.verifyTimestamped(body, header)
	}

	header = strings.TrimPrefix(header, "sha256=")
	provided, err := decodeSignature(header)
	if err != nil {
		return ErrSignatureMismatch
	}
	if !hmac.Equal(provided, computeHMAC(s.Secret, body)) {
		return ErrSignatureMismatch
	}
	return nil
}

func (s BodySignature) verifyTimestamped(body []byte, header string) error {
	var (
		timestamp  string
		candidates []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			candidates = append(candidates, value)
		}
	}
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || len(candidates) == 0 {
		return ErrSignatureMismatch
	}
	if s.Tolerance > 0 {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		skew := now().Sub(time.Unix(seconds, 0))
		if skew < -s.Tolerance || skew > s.Tolerance {
			return ErrSignatureMismatch
		}
	}

	message := make([]byte, 0, len(timestamp)+1+len(body))
	message = append(message, timestamp...)
	message = append(message, '.')
	message = append(message, body...)
	expected := computeHMAC(s.Secret, message)
	for _, candidate := range candidates {
		provided, err := hex.DecodeString(candidate)
		if err == nil && hmac.Equal(provided, expected) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// SignBody returns the hex HMAC-SHA256 of body, the shape partners are asked to send.
func SignBody(secret string, body []byte) string {
	return hex.EncodeToString(computeHMAC([]byte(secret), body))
}

// SignBodyAt returns a timestamped signature header for body.
func SignBodyAt(secret string, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	message := append([]byte(ts+"."), body...)
	return "t=" + ts + ",v1=" + hex.EncodeToString(computeHMAC([]byte(secret), message))
}

// hex is tried first: a 64 char hex digest is also valid base64 and would decode to the wrong bytes.
func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
