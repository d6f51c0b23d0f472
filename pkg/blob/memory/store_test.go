package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ambient-scribe-be/pkg/blob"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutOverwritesAndLists(t *testing.T) {
	ctx := context.Background()
	s := New()
	assert.Equal(t, blob.DriverMemory, s.Driver())

	_, err := s.Put(ctx, "local/partials/a.log", strings.NewReader("one"), blob.PutOptions{ContentType: "text/plain"})
	require.NoError(t, err)
	_, err = s.Put(ctx, "local/partials/a.log", strings.NewReader("one two"), blob.PutOptions{})
	require.NoError(t, err)
	_, err = s.Put(ctx, "local/finals/b.log", strings.NewReader("x"), blob.PutOptions{})
	require.NoError(t, err)

	data, err := blob.ReadAll(ctx, s, "local/partials/a.log")
	require.NoError(t, err)
	assert.Equal(t, "one two", string(data))

	infos, err := s.List(ctx, "local/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "local/finals/b.log", infos[0].Key)
	assert.Equal(t, int64(7), infos[1].Size)
}

func TestStoreMissingKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, _, err := s.Get(ctx, "nope")
	assert.True(t, errors.Is(err, blob.ErrNotFound))

	ok, err := s.Delete(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := New()

	in := map[string]interface{}{"role": "user", "text": []string{"hello"}}
	require.NoError(t, blob.PutJSON(ctx, s, "turns.json", in))

	var out map[string]interface{}
	require.NoError(t, blob.GetJSON(ctx, s, "turns.json", &out))
	assert.Equal(t, "user", out["role"])

	require.NoError(t, blob.PutText(ctx, s, "bad.json", "{not json"))
	assert.Error(t, blob.GetJSON(ctx, s, "bad.json", &out))
}
