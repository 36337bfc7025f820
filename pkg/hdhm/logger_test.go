package hdhm

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := newDefaultLogger(&buf, common.LogLevelInfo)
	l.Debug("hidden")
	l.WithFields(map[string]interface{}{"store": "s"}).Info("hello", "n", 3, "error", errors.New("boom"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, 3.0, entry["n"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "s", entry["store"])
}

func TestLogrusLogger(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	l := WithContext(NewLogrusLogger(logger), map[string]interface{}{"store": "s"})

	l.Warn("careful", "files", 2)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "careful", entry.Message)
	assert.Equal(t, 2, entry.Data["files"])
	assert.Equal(t, "s", entry.Data["store"])

	LogError(l, "failed", errors.New("boom"))
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "boom", hook.LastEntry().Data["error"])
}

func TestWithContextNilLoggerDiscards(t *testing.T) {
	l := WithContext(nil, map[string]interface{}{"a": 1})
	assert.IsType(t, &common.NullLogger{}, l)
	l.Info("dropped")
}
