package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hookgate/internal/config"
)

func TestFromGlobalConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Webhooks.MaxBodySize = "2MB"
	cfg.Webhooks.Endpoints = []config.WebhookEndpoint{
		{Path: "/webhooks/razorpay", Provider: "razorpay", Secret: "s", SignatureHeader: "X-Razorpay-Signature", Mode: config.ModeSync},
		{Path: "/webhooks/async", Provider: "razorpay", Secret: "s", SignatureHeader: "X-Razorpay-Signature", Mode: config.ModeAsync, MaxBodySize: "512KB"},
	}

	wc, err := FromGlobalConfig(cfg)
	require.NoError(t, err)
	require.Len(t, wc.Endpoints, 2)

	assert.Equal(t, cfg.Webhooks.Listen, wc.Listen)
	assert.Equal(t, cfg.Webhooks.RequestTimeout, wc.RequestTimeout)
	assert.Equal(t, cfg.Webhooks.StaleAfter, wc.StaleAfter)
	assert.Equal(t, cfg.Queue.MaxAttempts, wc.MaxAttempts)
	assert.Equal(t, int64(2*1024*1024), wc.Endpoints[0].MaxBodySize)
	assert.Equal(t, int64(512*1024), wc.Endpoints[1].MaxBodySize)
	assert.Equal(t, config.ModeAsync, wc.Endpoints[1].Mode)
}

func TestFromGlobalConfigRejectsBadSize(t *testing.T) {
	cfg := config.Defaults()
	cfg.Webhooks.Endpoints = []config.WebhookEndpoint{{Path: "/x", Provider: "p", Secret: "s", MaxBodySize: "lots"}}

	_, err := FromGlobalConfig(cfg)
	assert.ErrorContains(t, err, "max_body_size")
}

func TestFromGlobalConfigNil(t *testing.T) {
	_, err := FromGlobalConfig(nil)
	assert.Error(t, err)
}
