package hash

import (
	"crypto/sha1"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlgorithm(t *testing.T) {
	assert.Equal(t, 20, SHA1.Size())
	assert.Equal(t, 32, SHA256.Size())
	assert.Equal(t, "sha1", SHA1.String())
	assert.Equal(t, "sha256", SHA256.String())
}

func TestSum(t *testing.T) {
	data := []byte("staging area")

	want1 := sha1.Sum(data)
	assert.Equal(t, ObjectID(want1[:]), Sum(SHA1, data))

	want256 := sha256.Sum256(data)
	assert.Equal(t, ObjectID(want256[:]), Sum(SHA256, data))
}

func TestDigestStreaming(t *testing.T) {
	d := New(SHA1)
	d.Write([]byte("stag"))
	d.Write([]byte("ing area"))
	assert.True(t, d.Sum().Equal(Sum(SHA1, []byte("staging area"))))
}

func TestObjectID(t *testing.T) {
	t.Run("Null", func(t *testing.T) {
		assert.True(t, Null(SHA1).IsNull())
		assert.Len(t, Null(SHA256), 32)
		assert.False(t, Sum(SHA1, []byte("x")).IsNull())
	})

	t.Run("HexRoundTrip", func(t *testing.T) {
		id := Sum(SHA1, []byte("abc"))
		parsed, err := FromHex(id.Hex())
		require.NoError(t, err)
		assert.True(t, id.Equal(parsed))
	})

	t.Run("BadHex", func(t *testing.T) {
		_, err := FromHex("zz")
		assert.Error(t, err)

		_, err = FromHex("abcd") // valid hex, wrong width
		assert.Error(t, err)
	})
}
