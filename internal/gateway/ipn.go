package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSignature is returned for IPN callbacks that fail verification.
var ErrInvalidSignature = errors.New("gateway: invalid ipn signature")

// IPN is the subset of a processor callback the engine reads. The status
// it carries is informational; reconciliation re-polls the processor.
type IPN struct {
	PaymentID     flexID `json:"payment_id"`
	PaymentStatus Status `json:"payment_status"`
	OrderID       string `json:"order_id"`
}

// VerifyIPN checks signature (hex HMAC-SHA512 keyed by secret) against the
// body re-encoded with sorted keys, and returns the parsed callback.
func VerifyIPN(secret string, body []byte, signature string) (*IPN, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: no ipn secret configured", ErrInvalidSignature)
	}
	sorted, err := CanonicalJSON(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	want := Sign(secret, sorted)
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || !hmac.Equal(got, want) {
		return nil, ErrInvalidSignature
	}

	var ipn IPN
	if err := json.Unmarshal(body, &ipn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if ipn.PaymentID == "" {
		return nil, fmt.Errorf("%w: missing payment_id", ErrInvalidSignature)
	}
	return &ipn, nil
}

// GatewayPaymentID returns the processor's payment id.
func (i *IPN) GatewayPaymentID() string { return string(i.PaymentID) }

// Sign returns the raw HMAC-SHA512 of payload under secret.
func Sign(secret string, payload []byte) []byte {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// CanonicalJSON re-encodes body with object keys sorted at every level and
// numbers kept as written. This is the form IPN signatures cover.
func CanonicalJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
