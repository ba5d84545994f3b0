package sandbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	f := Frame{
		Type:           FrameExecute,
		InvocationID:   "abc-123",
		Code:           "print('hi')",
		AllowedServers: []string{"weather"},
		Metadata:       json.RawMessage(`{"k":"v"}`),
	}
	line, err := Encode(f)
	require.NoError(t, err)
	require.True(t, line[len(line)-1] == '\n')

	got, err := Decode(line[:len(line)-1])
	require.NoError(t, err)
	require.Equal(t, f.Type, got.Type)
	require.Equal(t, f.InvocationID, got.InvocationID)
	require.Equal(t, f.Code, got.Code)
	require.Equal(t, f.AllowedServers, got.AllowedServers)
}

func TestDecode_UnknownType(t *testing.T) {
	f, err := Decode([]byte(`{"type":"something_new","data":"x"}`))
	require.NoError(t, err)
	require.Equal(t, FrameType("something_new"), f.Type)
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	require.Error(t, err)
}
