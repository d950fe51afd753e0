package tool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "mcp__srv__lookup", DisplayName("srv", "lookup"))
}

func TestDisplayNameSanitizes(t *testing.T) {
	assert.Equal(t, "mcp__my_server__read_file", DisplayName("my server", "read.file"))
}

func TestDisplayNameTruncates(t *testing.T) {
	name := DisplayName(strings.Repeat("a", 60), "tool")
	assert.Len(t, name, MaxDisplayNameLen)
	assert.True(t, strings.HasPrefix(name, DisplayNamePrefix))
}

func TestResolve(t *testing.T) {
	defs := []Definition{
		{ServerID: "s1", ServerName: "srv", Name: "lookup", DisplayName: DisplayName("srv", "lookup")},
		{ServerID: "s2", ServerName: "other", Name: "write", DisplayName: DisplayName("other", "write")},
	}

	def, ok := Resolve("mcp__srv__lookup", defs)
	assert.True(t, ok)
	assert.Equal(t, "s1", def.ServerID)
	assert.Equal(t, "lookup", def.Name)

	_, ok = Resolve("mcp__missing__tool", defs)
	assert.False(t, ok)
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusDone, StatusError, StatusCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []Status{StatusPending, StatusInvoking} {
		assert.False(t, s.Terminal(), string(s))
	}
}
