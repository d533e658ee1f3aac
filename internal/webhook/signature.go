package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the timestamped signatures of a delivery.
const SignatureHeader = "Stripe-Signature"

var (
	ErrMissingSignature  = errors.New("webhook: missing signature header")
	ErrMalformedHeader   = errors.New("webhook: malformed signature header")
	ErrTimestampTooOld   = errors.New("webhook: timestamp outside tolerance")
	ErrSignatureMismatch = errors.New("webhook: no signature matches the payload")
)

// Verifier checks signatures with one or more secrets.
type Verifier struct {
	Secrets   [][]byte
	Tolerance time.Duration
	Now       func() time.Time
}

// Sign returns the v1 signature of payload at ts. Tests and tooling use it to
// produce deliveries.
func Sign(secret, payload []byte, ts time.Time) string {
	return hex.EncodeToString(signature(secret, payload, ts))
}

func signature(secret, payload []byte, ts time.Time) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Header builds a signature header value for payload.
func Header(secret, payload []byte, ts time.Time) string {
	return "t=" + strconv.FormatInt(ts.Unix(), 10) + ",v1=" + Sign(secret, payload, ts)
}

// Verify reports whether header holds a valid, fresh signature of payload.
func (v *Verifier) Verify(payload []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if v.Tolerance > 0 && now().Sub(ts) > v.Tolerance {
		return ErrTimestampTooOld
	}

	for _, secret := range v.Secrets {
		want := signature(secret, payload, ts)
		for _, sig := range sigs {
			if hmac.Equal(sig, want) {
				return nil
			}
		}
	}
	return ErrSignatureMismatch
}

func parseHeader(header string) (time.Time, [][]byte, error) {
	var (
		ts   time.Time
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return time.Time{}, nil, ErrMalformedHeader
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return time.Time{}, nil, ErrMalformedHeader
			}
			ts = time.Unix(n, 0)
		case "v1":
			b, err := hex.DecodeString(val)
			if err != nil {
				// other schemes may share the header, a bad v1 just never matches
				continue
			}
			sigs = append(sigs, b)
		}
	}
	if ts.IsZero() || len(sigs) == 0 {
		return time.Time{}, nil, ErrMalformedHeader
	}
	return ts, sigs, nil
}
