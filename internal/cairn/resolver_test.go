package cairn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRegisteredAddress(t *testing.T) {
	resolver := NewLocalKeyResolver("")

	key := ArchiveKey(ComputeBlobAddr([]byte("shared archive")).String())
	resolver.Register("cairn://friends/alice", key)

	resolved, err := resolver.Resolve("cairn://friends/alice", false)
	require.NoError(t, err)
	assert.Equal(t, key, resolved)
}

func TestResolveBareKey(t *testing.T) {
	resolver := NewLocalKeyResolver("")

	bare := ComputeBlobAddr([]byte("direct")).String()
	resolved, err := resolver.Resolve(bare, false)
	require.NoError(t, err)
	assert.Equal(t, ArchiveKey(bare), resolved)
}

func TestResolveUnknownAddress(t *testing.T) {
	resolver := NewLocalKeyResolver("")

	_, err := resolver.Resolve("cairn://nobody/home", false)
	assert.Error(t, err)

	// Remote allowed but no gateway configured.
	_, err = resolver.Resolve("cairn://nobody/home", true)
	assert.Error(t, err)
}

func TestResolveEmptyAddress(t *testing.T) {
	resolver := NewLocalKeyResolver("")

	_, err := resolver.Resolve("", false)
	assert.Error(t, err)
}
