package server

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGuardStdoutRejectsStrayWrites(t *testing.T) {
	original := os.Stdout
	core, logs := observer.New(zap.WarnLevel)

	stdout, restore, err := GuardStdout(zap.New(core))
	require.NoError(t, err)
	assert.Same(t, original, stdout)
	assert.NotSame(t, original, os.Stdout)

	fmt.Println("debug print from a handler")
	restore()
	restore()

	assert.Same(t, original, os.Stdout)
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "debug print from a handler", entries[0].ContextMap()["text"])
}
