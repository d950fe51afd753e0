package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopProvider struct{}

func (nopProvider) Chat(context.Context, Request) (Result, error) {
	return Result{}, nil
}

func (nopProvider) ChatStream(context.Context, Request) (<-chan Chunk, error) {
	ch := make(chan Chunk)
	close(ch)
	return ch, nil
}

func TestRegistryLookup(t *testing.T) {
	Register("test-format", func(Config) Provider { return nopProvider{} })

	p, err := New("test-format", Config{})
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, ok := Lookup("test-format")
	assert.True(t, ok)
	assert.Contains(t, Formats(), "test-format")
}

func TestRegistryUnknownFormat(t *testing.T) {
	_, err := New("no-such-format", Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-format")
}

func TestNewAPIErrorExtractsMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"nested message", `{"error":{"message":"rate limited"}}`, "rate limited"},
		{"flat error string", `{"error":"bad key"}`, "bad key"},
		{"top-level message", `{"message":"oops"}`, "oops"},
		{"unparseable body", `<html>502</html>`, "<html>502</html>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAPIError("test", 429, []byte(tt.body))
			assert.Equal(t, tt.want, err.Message)
			assert.Equal(t, 429, err.StatusCode)
			assert.Contains(t, err.Error(), "429")
		})
	}
}
