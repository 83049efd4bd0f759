package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushURL(t *testing.T) {
	tests := []struct {
		server, explicit, want string
	}{
		{"http://localhost:8080", "", "ws://localhost:8080/ws"},
		{"https://sync.example.com/api/", "", "wss://sync.example.com/api/ws"},
		{"http://localhost:8080", "ws://push:9000/ws", "ws://push:9000/ws"},
	}
	for _, tt := range tests {
		got, err := pushURL(tt.server, tt.explicit)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := pushURL("://bad", "")
	assert.Error(t, err)
}
