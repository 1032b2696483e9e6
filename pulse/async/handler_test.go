package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopHandler struct{ name string }

func (h noopHandler) Name() string                                { return h.name }
func (h noopHandler) Execute(ctx context.Context, job *Job) error { return nil }

func TestHandlerRegistry(t *testing.T) {
	reg := NewHandlerRegistry()
	reg.Register(noopHandler{name: "stats.recompute-scan"})
	reg.Register(noopHandler{name: "atf.recalculate-rule"})

	assert.True(t, reg.Has("stats.recompute-scan"))
	assert.False(t, reg.Has("report.export"))
	assert.NotNil(t, reg.Get("atf.recalculate-rule"))
	assert.ElementsMatch(t, []string{"atf.recalculate-rule", "stats.recompute-scan"}, reg.Names())

	assert.Panics(t, func() {
		reg.Register(noopHandler{name: "stats.recompute-scan"})
	})
}

func TestRegistryExecuteUnregistered(t *testing.T) {
	reg := NewHandlerRegistry()
	job, err := NewJob("no.such.handler", "scan:1", nil)
	require.NoError(t, err)

	err = reg.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no.such.handler")
}
