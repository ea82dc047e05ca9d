package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidSignature is returned when the Stripe-Signature header does
	// not verify against the raw request body.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrSignatureTooOld is returned when the signed timestamp falls
	// outside the replay tolerance.
	ErrSignatureTooOld = errors.New("webhook signature timestamp too old")
)

// signatureTolerance bounds the age of a signed webhook payload.
const signatureTolerance = 5 * time.Minute

// VerifySignature checks a Stripe-Signature header of the form
// "t=<unix>,v1=<hex hmac>" against the raw body. The signed payload is
// "<t>.<body>", so any re-serialization of the body breaks verification.
func VerifySignature(body []byte, header, secret string, now time.Time) error {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return ErrSignatureTooOld
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", timestamp, body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignPayload produces a Stripe-Signature header for a body. Used by tests
// to build verifiable webhook requests.
func SignPayload(body []byte, secret string, now time.Time) string {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", timestamp, body)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
