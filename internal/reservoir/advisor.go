package reservoir

import (
	"sync"

	"github.com/cdipaolo/goml/base"
	"github.com/cdipaolo/goml/linear"
)

// maxAdvisorHistory bounds the training set the same way the
// teacher's runLearningLoop caps costDataX/costDataY
// (threads/intelligence/learning/engine.go, MaxHistory).
const maxAdvisorHistory = 200

// minAdvisorSamples is how many misses must be observed before the
// fitted trend is trusted.
const minAdvisorSamples = 4

// demandAdvisor is the optional, disabled-by-default supplement
// described in SPEC_FULL.md §2.1: it fits a least-squares trend over
// a partition's get_block miss history and reports whether the next
// sample is predicted to exceed the last one, i.e. demand is rising.
// It never changes what get_block does, only when a partition
// opportunistically does it early.
//
// Modeled directly on the teacher's EnhancedLearningEngine: a
// *linear.LeastSquares kept current via UpdateTrainingSet+Learn, read
// with Predict on demand.
type demandAdvisor struct {
	enabled bool

	mu     sync.Mutex
	model  *linear.LeastSquares
	dataX  [][]float64
	dataY  []float64
	sample float64
}

func newDemandAdvisor(enabled bool) *demandAdvisor {
	da := &demandAdvisor{enabled: enabled}
	if !enabled {
		return da
	}
	dummyX := [][]float64{{0}}
	dummyY := []float64{0}
	da.model = linear.NewLeastSquares(base.BatchGA, 0.01, 0, 50, dummyX, dummyY)
	_ = da.model.Learn()
	return da
}

// recordMiss feeds one more (sample index, misses-so-far) point into
// the trend model.
func (da *demandAdvisor) recordMiss(missesSoFar uint64) {
	if !da.enabled {
		return
	}

	da.mu.Lock()
	defer da.mu.Unlock()

	da.sample++
	da.dataX = append(da.dataX, []float64{da.sample})
	da.dataY = append(da.dataY, float64(missesSoFar))
	if len(da.dataX) > maxAdvisorHistory {
		da.dataX = da.dataX[1:]
		da.dataY = da.dataY[1:]
	}
	if len(da.dataX) < minAdvisorSamples {
		return
	}
	if err := da.model.UpdateTrainingSet(da.dataX, da.dataY); err == nil {
		_ = da.model.Learn()
	}
}

// shouldPrewarm reports whether the fitted trend predicts the next
// sample will exceed missesSoFar, i.e. exhaustion pressure is rising.
func (da *demandAdvisor) shouldPrewarm(missesSoFar uint64) bool {
	if !da.enabled {
		return false
	}

	da.mu.Lock()
	defer da.mu.Unlock()
	if len(da.dataX) < minAdvisorSamples {
		return false
	}

	next, err := da.model.Predict([]float64{da.sample + 1})
	if err != nil || len(next) == 0 {
		return false
	}
	return next[0] > float64(missesSoFar)
}
