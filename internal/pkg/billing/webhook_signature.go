package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix_ts>,v1=<hex_hmac>".
const SignatureHeader = "Provider-Signature"

const DefaultTolerance = 5 * time.Minute

// VerifyWebhook checks the HMAC-SHA256 over "t.payload" and the timestamp
// window, then decodes the envelope. It never touches state.
func VerifyWebhook(payload []byte, signatureHeader, secret string, tolerance time.Duration, now time.Time) (*VerifiedEvent, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrVerificationFailed)
	}
	timestamp, signatures, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, err
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed timestamp", ErrVerificationFailed)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > tolerance || skew < -tolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrVerificationFailed)
	}

	expected := ComputeSignature(payload, timestamp, secret)
	matched := false
	for _, sig := range signatures {
		decoded, err := hex.DecodeString(strings.ToLower(sig))
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: signature mismatch", ErrVerificationFailed)
	}

	var ev VerifiedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid json", ErrVerificationFailed)
	}
	ev.ID = strings.TrimSpace(ev.ID)
	ev.Type = strings.TrimSpace(ev.Type)
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", ErrVerificationFailed)
	}
	return &ev, nil
}

// ComputeSignature returns the raw HMAC for a payload and timestamp.
func ComputeSignature(payload []byte, timestamp, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignPayload builds a header value for payload at ts. Used by tests and local tooling.
func SignPayload(payload []byte, secret string, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + hex.EncodeToString(ComputeSignature(payload, t, secret))
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		kv := strings.SplitN(piece, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		switch key {
		case "t":
			timestamp = value
		case "v1":
			if value != "" {
				signatures = append(signatures, value)
			}
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, fmt.Errorf("%w: malformed signature header", ErrVerificationFailed)
	}
	return timestamp, signatures, nil
}
