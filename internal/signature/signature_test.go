package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func TestVerify(t *testing.T) {
	body := []byte(`{"id":"evt_1","event":"payment.captured"}`)
	valid := Sign(body, testSecret)
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = 'x'

	tests := []struct {
		name      string
		body      []byte
		signature string
		want      bool
	}{
		{"plain hex", body, valid, true},
		{"github prefix", body, "sha256=" + valid, true},
		{"uppercase hex", body, strings.ToUpper(valid), true},
		{"empty header", body, "", false},
		{"non-hex", body, "not-a-hex-signature", false},
		{"truncated", body, valid[:32], false},
		{"extra bytes", body, valid + "00", false},
		{"wrong secret", body, Sign(body, "other"), false},
		{"body changed by one byte", tampered, valid, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Verify(tt.body, tt.signature, testSecret)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifyMissingSecretIsConfigurationError(t *testing.T) {
	body := []byte(`{}`)
	ok, err := Verify(body, Sign(body, testSecret), "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrSecretNotConfigured)
}

func TestSignMatchesHMACSHA256(t *testing.T) {
	body := []byte("payload")
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), Sign(body, testSecret))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("x"),
		[]byte(`{"id":"evt_2","payload":{"payment":{"entity":{"order_id":"order_1"}}}}`),
		[]byte(strings.Repeat("ü", 4096)),
	}
	for _, p := range payloads {
		ok, err := Verify(p, Sign(p, testSecret), testSecret)
		require.NoError(t, err)
		assert.True(t, ok, "round trip failed for %d byte payload", len(p))
	}
}

func TestNewValidator(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrSecretNotConfigured)

	v, err := New(testSecret)
	require.NoError(t, err)
	body := []byte(`{"id":"evt_3"}`)
	assert.True(t, v.Verify(body, Sign(body, testSecret)))
	assert.False(t, v.Verify(body, Sign(body, "nope")))
}
