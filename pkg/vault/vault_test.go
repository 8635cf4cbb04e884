package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetErase(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	secrets := map[string]string{"API_KEY": "s3cret", "TOKEN": "abc"}
	require.NoError(t, v.Put("job-1", secrets))

	got, err := v.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, secrets, got)

	v.Erase("job-1")
	got, err = v.Get("job-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	v.Erase("job-1") // idempotent
}

func TestEntriesAreIsolatedByJob(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	require.NoError(t, v.Put("a", map[string]string{"K": "va"}))
	require.NoError(t, v.Put("b", map[string]string{"K": "vb"}))

	a, err := v.Get("a")
	require.NoError(t, err)
	b, err := v.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "va", a["K"])
	assert.Equal(t, "vb", b["K"])
}

func TestEmptySecretsNotStored(t *testing.T) {
	v, err := New()
	require.NoError(t, err)
	require.NoError(t, v.Put("job", nil))

	got, err := v.Get("job")
	require.NoError(t, err)
	assert.Empty(t, got)
}
