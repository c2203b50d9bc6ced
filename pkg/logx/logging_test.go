package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in, zerolog.InfoLevel), "level %q", in)
	}
}

func TestWithFieldsAreAppliedInOrder(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "link"), Session("t1"))

	log.Warn("closed", Int("code", 440), Err(errors.New("replaced")), String("comp", "override"))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "closed", m["message"])
	assert.Equal(t, "t1", m["session"])
	assert.Equal(t, "override", m["comp"])
	assert.EqualValues(t, 440, m["code"])
	assert.Equal(t, "replaced", m["err"])
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestServiceApplySwapsSinksAndLevel(t *testing.T) {
	var out bytes.Buffer
	prev := stdout
	stdout = &out
	t.Cleanup(func() { stdout = prev })

	path := filepath.Join(t.TempDir(), "logs", "linkmux.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log = log.With(Session("t1"))

	log.Debug("hidden")
	log.Info("visible")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("now visible")
	require.NoError(t, svc.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &m))
	assert.Equal(t, "now visible", m["message"])
	assert.Equal(t, "debug", m["level"])
	assert.Equal(t, "t1", m["session"])

	assert.Equal(t, 2, strings.Count(out.String(), "\n"), "stdout gets JSON lines when console is off")
	assert.NotContains(t, out.String(), "hidden")
}
