package safego

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"

	"github.com/agencyos/module-platform/internal/telemetry"
)

func panicCount(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	if err := telemetry.SideEffectPanicsTotal.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRun_ReturnsTrueOnSuccess(t *testing.T) {
	ran := false
	assert.True(t, Run(func() { ran = true }))
	assert.True(t, ran)
}

func TestRun_RecoversAndCountsPanic(t *testing.T) {
	before := panicCount(t)
	assert.False(t, Run(func() { panic("boom") }))
	assert.Equal(t, before+1, panicCount(t))
}

func TestGo_SurvivesPanic(t *testing.T) {
	done := make(chan struct{})
	Go(func() {
		defer close(done)
		panic("intentional panic in side effect")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("side effect did not finish after panic")
	}
}
