package webhook

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
	// ErrBadSignature is returned when a signature header is missing, malformed, or does not match.
	ErrBadSignature = errors.New("webhook: bad signature")
	// ErrStaleSignature is returned when the signed timestamp is outside the tolerance window.
	ErrStaleSignature = errors.New("webhook: signature timestamp outside tolerance")
)

// HMACSigner implements the timestamped HMAC-SHA256 scheme used by Stripe
// and by our own outbound events.
//
// The header format is:
//
//	<Header>: t={timestamp},v1={signature}
//
// Where signature = HMAC-SHA256(secret, "{timestamp}.{payload}")
type HMACSigner struct {
	Header string
	Now    func() time.Time
}

// NewHMACSigner creates a signer that writes the given header.
func NewHMACSigner(header string) *HMACSigner {
	return &HMACSigner{Header: header, Now: time.Now}
}

// Sign produces the signature header. Implements Signer.
func (s *HMACSigner) Sign(payload []byte, secret string) map[string]string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return s.SignWithTimestamp(payload, secret, now().Unix())
}

// SignWithTimestamp produces the signature header for a specific timestamp.
func (s *HMACSigner) SignWithTimestamp(payload []byte, secret string, timestamp int64) map[string]string {
	return map[string]string{
		s.Header: FormatHeader(timestamp, ComputeSignature(timestamp, payload, secret)),
	}
}

// FormatHeader renders a t=..,v1=.. header value.
func FormatHeader(timestamp int64, signature string) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}

// ComputeSignature computes the v1 HMAC-SHA256 signature over "{timestamp}.{payload}".
func ComputeSignature(timestamp int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a t=..,v1=.. header against payload. Any of several v1
// signatures may match. A tolerance of zero disables the timestamp check.
func Verify(header string, payload []byte, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" || secret == "" {
		return ErrBadSignature
	}

	var (
		timestamp int64
		haveTS    bool
		sigs      [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: invalid timestamp", ErrBadSignature)
			}
			timestamp, haveTS = ts, true
		case "v1":
			sig, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	if !haveTS || len(sigs) == 0 {
		return fmt.Errorf("%w: missing timestamp or v1 signature", ErrBadSignature)
	}

	expected, _ := hex.DecodeString(ComputeSignature(timestamp, payload, secret))
	matched := false
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrBadSignature
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age > tolerance || age < -tolerance {
			return ErrStaleSignature
		}
	}
	return nil
}
