package server

import (
	"net/http/httptest"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginPolicy(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	policy := newOriginPolicy([]string{"https://Chat.Example", " http://localhost:8080 "}, logger)

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin header", "", true},
		{"exact match", "https://chat.example", true},
		{"case insensitive", "HTTPS://CHAT.EXAMPLE", true},
		{"trimmed entry", "http://localhost:8080", true},
		{"wrong scheme", "http://chat.example", false},
		{"wrong port", "http://localhost:9090", false},
		{"other host", "https://evil.example", false},
		{"malformed", "not a url", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, policy.isAllowed(r))
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	policy := newOriginPolicy([]string{"*"}, logger)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anything.example")
	assert.True(t, policy.isAllowed(r))
}

func TestOriginPolicyLogsInvalidEntriesAndBlocks(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	policy := newOriginPolicy([]string{"chat.example", ""}, logger)

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "Ignoring invalid origin in configuration", hook.LastEntry().Message)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://chat.example")
	assert.False(t, policy.checkOrigin(r))
	assert.Equal(t, "Blocked WebSocket connection from disallowed origin", hook.LastEntry().Message)
}
