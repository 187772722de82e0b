package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func withBuffer(t *testing.T, asJSON bool) *bytes.Buffer {
	t.Helper()
	prev := Root()
	t.Cleanup(func() { SetDefault(prev) })
	buf := new(bytes.Buffer)
	if asJSON {
		SetDefault(NewLogger(JSONHandlerWithLevel(buf, LevelTrace)))
	} else {
		SetDefault(NewLogger(NewTerminalHandlerWithLevel(buf, LevelTrace, false)))
	}
	return buf
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{"trace": "trace", "DEBUG": "debug", "warning": "warn", "crit": "crit"} {
		lvl, err := ParseLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, LevelString(lvl))
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestDebugFilteredByModule(t *testing.T) {
	buf := withBuffer(t, false)

	Debug(Coordinator, "hidden")
	require.Empty(t, buf.String())

	EnableModules("coord, worker")
	t.Cleanup(func() {
		DisableModule(Coordinator)
		DisableModule(Worker)
	})
	Debug(Coordinator, "shown", "batch", 1)
	require.Contains(t, buf.String(), "shown")
	require.Contains(t, buf.String(), "module=coord")
	require.Contains(t, buf.String(), "DEBUG")
}

func TestInfoJSON(t *testing.T) {
	buf := withBuffer(t, true)
	Info(Service, "submitted", "proofID", "0xab")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &rec))
	require.Equal(t, "info", rec["level"])
	require.Equal(t, "svc", rec["module"])
	require.Equal(t, "0xab", rec["proofID"])
}
