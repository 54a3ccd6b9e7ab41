package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCompact(t *testing.T) {
	out, err := Marshal(map[string]interface{}{"a": []interface{}{int64(1), "<b>"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,"<b>"]}`, string(out))
}

func TestUnmarshalNarrowsNumbers(t *testing.T) {
	var v interface{}
	require.NoError(t, Unmarshal([]byte(`{"i":42,"f":1.5,"big":1e400,"n":[1,2.0],"o":{"x":-7}}`), &v))

	m := v.(map[string]interface{})
	assert.Equal(t, int64(42), m["i"])
	assert.Equal(t, 1.5, m["f"])
	assert.Equal(t, "1e400", m["big"])
	assert.Equal(t, []interface{}{int64(1), 2.0}, m["n"])
	assert.Equal(t, int64(-7), m["o"].(map[string]interface{})["x"])
}

func TestArrayEncoder(t *testing.T) {
	tests := []struct {
		name   string
		values []interface{}
		want   string
	}{
		{"empty", nil, "[]"},
		{"one", []interface{}{map[string]interface{}{"a": int64(1)}}, `[{"a":1}]`},
		{"three", []interface{}{int64(1), "two", nil}, `[1,"two",null]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewArrayEncoder(&buf)
			for _, v := range tt.values {
				require.NoError(t, enc.Encode(v))
			}
			require.NoError(t, enc.Close())
			require.NoError(t, enc.Close())
			assert.Equal(t, tt.want, buf.String())
			assert.Equal(t, int64(len(tt.values)), enc.Count())
		})
	}
}
