package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachments_Value(t *testing.T) {
	t.Run("empty serializes as empty array", func(t *testing.T) {
		v, err := Attachments(nil).Value()
		require.NoError(t, err)
		assert.Equal(t, []byte("[]"), v)
	})

	t.Run("round trip", func(t *testing.T) {
		in := Attachments{{Name: "itinerary.pdf", Url: "https://cdn.example.com/a1", Size: 10240}}

		v, err := in.Value()
		require.NoError(t, err)

		var out Attachments
		require.NoError(t, out.Scan(v))
		assert.Equal(t, in, out)
	})
}

func TestAttachments_Scan(t *testing.T) {
	t.Run("nil column", func(t *testing.T) {
		var a Attachments
		require.NoError(t, a.Scan(nil))
		assert.Nil(t, a)
	})

	t.Run("string column", func(t *testing.T) {
		var a Attachments
		require.NoError(t, a.Scan(`[{"name":"map.png","url":"u","size":1}]`))
		require.Len(t, a, 1)
		assert.Equal(t, "map.png", a[0].Name)
	})

	t.Run("unsupported type", func(t *testing.T) {
		var a Attachments
		assert.Error(t, a.Scan(42))
	})
}
