package observability

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	debugs int
	infos  int
	errors int
}

func (r *recordingLogger) Debug(string, ...Field) { r.debugs++ }
func (r *recordingLogger) Info(string, ...Field)  { r.infos++ }
func (r *recordingLogger) Error(string, ...Field) { r.errors++ }

func TestSetLoggerOverridesGlobal(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	defer SetLogger(nil)

	Log().Debug("test")
	require.Equal(t, 1, recorder.debugs)

	SetLogger(nil)
	Log().Info("noop")
	require.Equal(t, 0, recorder.infos)
}

func TestStdLoggerFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Info("trade accepted", String("trade_id", "T1"), Int("version", 2))
	require.Equal(t, "INFO trade accepted trade_id=T1 version=2\n", buf.String())
}

func TestStdLoggerSuppressesDebugUnlessVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)
	logger.Debug("hidden")
	require.Empty(t, buf.String())

	verbose := NewStdLogger(log.New(&buf, "", 0), true)
	verbose.Debug("shown")
	require.Contains(t, buf.String(), "DEBUG shown")
}
