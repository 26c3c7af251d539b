package gateway

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ipnBody = `{"payment_status":"finished","payment_id":5077125051,"order_id":"dep-1","pay_amount":0.00050000,"fee":{"currency":"btc","depositFee":0}}`

func TestCanonicalJSON_SortsKeysKeepsNumbers(t *testing.T) {
	got, err := CanonicalJSON([]byte(ipnBody))
	require.NoError(t, err)
	assert.Equal(t,
		`{"fee":{"currency":"btc","depositFee":0},"order_id":"dep-1","pay_amount":0.00050000,"payment_id":5077125051,"payment_status":"finished"}`,
		string(got))
}

func TestVerifyIPN(t *testing.T) {
	sorted, err := CanonicalJSON([]byte(ipnBody))
	require.NoError(t, err)
	sig := hex.EncodeToString(Sign("s3cret", sorted))

	ipn, err := VerifyIPN("s3cret", []byte(ipnBody), sig)
	require.NoError(t, err)
	assert.Equal(t, "5077125051", ipn.GatewayPaymentID())
	assert.Equal(t, StatusFinished, ipn.PaymentStatus)
	assert.Equal(t, "dep-1", ipn.OrderID)
}

func TestVerifyIPN_Rejects(t *testing.T) {
	sorted, _ := CanonicalJSON([]byte(ipnBody))
	good := hex.EncodeToString(Sign("s3cret", sorted))

	cases := map[string]struct {
		secret, body, sig string
	}{
		"wrong secret":   {"other", ipnBody, good},
		"tampered body":  {"s3cret", `{"payment_status":"finished","payment_id":1}`, good},
		"not hex":        {"s3cret", ipnBody, "zz"},
		"empty secret":   {"", ipnBody, good},
		"malformed json": {"s3cret", `{`, good},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := VerifyIPN(tc.secret, []byte(tc.body), tc.sig)
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}
