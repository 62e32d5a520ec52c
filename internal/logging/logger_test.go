package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{Level: level, Format: "text", Output: buf, Sync: true, NoColor: true})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{"default config", nil},
		{"json format", &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}}},
		{"text format", &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			require.NotNil(t, logger)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestLevelFromVerbosity(t *testing.T) {
	tests := []struct {
		deb  int
		want LogLevel
	}{
		{-1, LevelWarn},
		{0, LevelWarn},
		{1, LevelInfo},
		{2, LevelDebug},
		{9, LevelDebug},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFromVerbosity(tt.deb), "deb=%d", tt.deb)
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := syncLogger(&buf, LevelDebug)

	in := logger.WithEndpoint("in", "/dev/sg1")
	in.Info("opened")
	out := buf.String()
	assert.Contains(t, out, "side=in")
	assert.Contains(t, out, "path=/dev/sg1")

	buf.Reset()
	in.WithSlot(3, "read", 128).Debug("submitted")
	out = buf.String()
	assert.Contains(t, out, "slot=3")
	assert.Contains(t, out, "role=read")
	assert.Contains(t, out, "lba=128")

	buf.Reset()
	logger.WithError(errors.New("boom")).Error("failed")
	assert.Contains(t, buf.String(), "boom")
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := syncLogger(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	assert.Empty(t, buf.String())

	logger.Warn("reserved size", "want", 65536, "got", 32768)
	out := buf.String()
	assert.Contains(t, out, "reserved size")
	assert.Contains(t, out, "want=65536")

	buf.Reset()
	logger.Errorf("bpt=%d", 8)
	assert.True(t, strings.Contains(buf.String(), "bpt=8"))
}

func TestLoggerOddArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := syncLogger(&buf, LevelInfo)
	logger.Info("odd", "key")
	logger.Info("nonstring", 7, "v")
	assert.Contains(t, buf.String(), "7=v")
}

func TestAsyncWriterClose(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Format: "json", Output: &buf})
	logger.Info("flushed")
	require.NoError(t, logger.Close())
	assert.Contains(t, buf.String(), "flushed")
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("ignored")
	assert.NoError(t, l.Close())
}

func TestDefault(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	defer SetDefault(prev)

	SetDefault(syncLogger(&buf, LevelInfo))
	Info("global")
	assert.Contains(t, buf.String(), "global")
}
