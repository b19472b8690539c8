package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Gateway-Signature"

// DefaultTolerance is the maximum accepted age of a signed webhook.
const DefaultTolerance = 5 * time.Minute

// Sign computes the signature header for payload at t:
// "t=<unix>,v1=<hex hmac-sha256(secret, "<unix>.<payload>")>".
func Sign(payload []byte, secret string, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, computeSignature(ts, payload, secret))
}

// Verifier checks webhook signatures.
type Verifier struct {
	Tolerance time.Duration
	Now       func() time.Time
}

// Verify checks header against payload and secret, and returns the decoded
// event only when the signature holds.
func (v Verifier) Verify(payload []byte, header, secret string) (*Event, error) {
	if secret == "" {
		return nil, invalidSignature("webhook secret not configured")
	}

	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return nil, invalidSignature(err.Error())
	}

	if v.Tolerance > 0 {
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, invalidSignature("malformed timestamp")
		}
		age := now().Sub(time.Unix(sec, 0))
		if age > v.Tolerance || age < -v.Tolerance {
			return nil, invalidSignature("timestamp outside tolerance")
		}
	}

	expected := []byte(computeSignature(ts, payload, secret))
	matched := false
	for _, sig := range sigs {
		if hmac.Equal(expected, []byte(sig)) {
			matched = true
		}
	}
	if !matched {
		return nil, invalidSignature("no matching v1 signature")
	}

	return ParseEvent(payload)
}

func computeSignature(ts string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (string, []string, error) {
	if header == "" {
		return "", nil, errors.New("missing signature header")
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if ts == "" {
		return "", nil, errors.New("signature header has no timestamp")
	}
	if len(sigs) == 0 {
		return "", nil, errors.New("signature header has no v1 signature")
	}
	return ts, sigs, nil
}

func invalidSignature(reason string) error {
	return domainErrors.Wrap(domainErrors.CodeInvalidSignature, domainErrors.ErrInvalidSignature, errors.New(reason))
}
