// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/config"
)

// bufferSink adapts a bytes.Buffer to zapcore.WriteSyncer.
type bufferSink struct{ bytes.Buffer }

func (b *bufferSink) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("console logger colours levels", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		sink := &bufferSink{}

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "gym",
			Colors:      config.ColorConfig{Info: "blue"},
		}, sink)
		GetLogger().Info("scenario finished")
		GetLogger().Warn("evaluator fell back")
		Sync()

		out := sink.String()
		assert.Contains(t, out, "scenario finished")
		assert.Contains(t, out, colorBlue+"INFO"+colorReset, "configured colour wins")
		assert.Contains(t, out, colorYellow+"WARN"+colorReset, "unset levels use the default palette")
		assert.Contains(t, out, "gym.")
	})

	t.Run("json logger", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		sink := &bufferSink{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, sink)
		GetLogger().Warn("This is a JSON message.", zap.String("key", "value"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(sink.Bytes(), &entry), "Log output should be valid JSON")
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "This is a JSON message.", entry["msg"])
		assert.Equal(t, "value", entry["key"])
	})

	t.Run("writes rotated file when configured", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		logFile := filepath.Join(t.TempDir(), "gym.log")

		Initialize(config.LoggerConfig{Level: "debug", Format: "console", LogFile: logFile, MaxSize: 1}, &bufferSink{})
		GetLogger().Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
		assert.Contains(t, string(content), `"level":"error"`, "file output is always JSON")
	})

	t.Run("only initializes once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		sink := &bufferSink{}

		Initialize(config.LoggerConfig{Level: "info", ServiceName: "First"}, sink)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, sink)

		assert.Same(t, first, GetLogger())
		GetLogger().Info("test")
		assert.Contains(t, sink.String(), "First")
		assert.NotContains(t, sink.String(), "Second")
	})
}

func TestGetLogger_Fallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	require.NotNil(t, GetLogger())
}

func TestRunScopedFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := RunLogger(zap.New(core), "20260101120000")

	persona := schemas.Persona{Name: "Maria"}
	result := schemas.EvaluationResult{Metrics: schemas.ScoreMetrics{Repetition: 8, Negotiation: 2, Empathy: 6}, OverallRating: 5.3}
	fields := append(ScenarioFields(2, 3, persona), ScoreFields(result)...)
	logger.Info("scenario scored", fields...)

	require.Equal(t, 1, logs.Len())
	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "20260101120000", ctx["run_id"])
	assert.Equal(t, int64(2), ctx["cycle"])
	assert.Equal(t, int64(3), ctx["scenario"])
	assert.Equal(t, "Maria", ctx["persona"])
	assert.Equal(t, 5.3, ctx["score"])
	assert.Equal(t, int64(2), ctx["negotiation"])
}
