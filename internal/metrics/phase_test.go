package metrics

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransitionForward(t *testing.T) {
	order := []Phase{PhaseIdle, PhaseConnecting, PhaseHandshaking,
		PhaseWakeWord, PhaseStreaming, PhaseCollecting}
	for i := 0; i < len(order)-1; i++ {
		assert.True(t, ValidTransition(order[i], order[i+1]),
			"%s -> %s", order[i], order[i+1])
	}
}

func TestValidTransitionToClosed(t *testing.T) {
	// 任意未关闭阶段都可以直接进入closed
	for p := PhaseIdle; p <= PhaseCollecting; p++ {
		assert.True(t, ValidTransition(p, PhaseClosed), "%s -> closed", p)
	}
	assert.False(t, ValidTransition(PhaseClosed, PhaseClosed))
}

func TestInvalidTransitions(t *testing.T) {
	// 跳阶、后退、原地都不合法
	assert.False(t, ValidTransition(PhaseConnecting, PhaseWakeWord))
	assert.False(t, ValidTransition(PhaseStreaming, PhaseHandshaking))
	assert.False(t, ValidTransition(PhaseWakeWord, PhaseWakeWord))
	assert.False(t, ValidTransition(PhaseClosed, PhaseConnecting))
}

// TestTransitionProperty 随机阶段对与判定函数的性质对照
func TestTransitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		from := Phase(rng.Intn(int(PhaseClosed) + 1))
		to := Phase(rng.Intn(int(PhaseClosed) + 1))

		want := (to == PhaseClosed && from != PhaseClosed) ||
			(to == from+1 && to <= PhaseCollecting)
		assert.Equal(t, want, ValidTransition(from, to), "%s -> %s", from, to)
	}
}
