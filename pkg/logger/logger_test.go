package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSingletonSwap(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	prev := Get()
	Set(zap.New(core).Sugar())
	t.Cleanup(func() { Set(prev) })

	Infof("hello %s", "world")
	Warnw("careful", "key", "value")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "hello world", entries[0].Message)
	assert.Equal(t, "careful", entries[1].Message)
}

func TestDefaultLoggerDoesNotPanic(t *testing.T) {
	require.NotNil(t, Get())
	Debug("debug is a no-op at default level")
	Info("info goes to the default logger")
}
