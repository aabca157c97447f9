package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithComponentAnnotatesEntries(t *testing.T) {
	var buf bytes.Buffer
	base = Base().Output(&buf)

	l := WithComponent("reconnect")
	l.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "reconnect", entry["component"])
	require.Equal(t, "hello", entry["message"])
	require.Equal(t, "tripsync", entry["service"])
}
