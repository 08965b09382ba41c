package fieldcase

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeRewritesNestedKeys(t *testing.T) {
	in := []byte(`{"session_id":"s1","created_at":"now","messages":[{"message_id":1,"tool_calls":[{"call_id":"c"}]}]}`)
	out, err := Normalize(in)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &m))
	require.Contains(t, m, "sessionId")
	require.Contains(t, m, "createdAt")
	require.NotContains(t, m, "session_id")

	msgs := m["messages"].([]interface{})
	first := msgs[0].(map[string]interface{})
	require.Contains(t, first, "messageId")
	calls := first["toolCalls"].([]interface{})
	require.Contains(t, calls[0].(map[string]interface{}), "callId")
}

func TestValuesAreNeverTouched(t *testing.T) {
	in := []byte(`{"note_text":"keep_my_underscores and camelCase","count":12345678901234}`)
	out, err := Normalize(in)
	require.NoError(t, err)

	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&m))
	require.Equal(t, "keep_my_underscores and camelCase", m["noteText"])
	require.Equal(t, json.Number("12345678901234"), m["count"])
}

func TestRoundTrip(t *testing.T) {
	cases := []string{
		`{"a":1}`,
		`{"session_id":"x","nested":{"deep_key":[{"another_key":null}]}}`,
		`[{"first_key":true},{"second_key":false}]`,
		`{"already":"camel free"}`,
		`"just a string"`,
		`[]`,
	}
	for _, src := range cases {
		normalized, err := Normalize([]byte(src))
		require.NoError(t, err, src)
		back, err := Denormalize(normalized)
		require.NoError(t, err, src)
		require.JSONEq(t, src, string(back), src)
	}
}

func TestMalformedDocument(t *testing.T) {
	_, err := Normalize([]byte(`{"unterminated":`))
	require.Error(t, err)
}
