package optimizer

// Schedule maps an iteration count to a learning rate.
type Schedule func(step int64) float64

// Constant returns a schedule that always yields lr.
func Constant(lr float64) Schedule {
	return func(step int64) float64 {
		return lr
	}
}

// WarmupLinearDecay ramps the learning rate linearly from zero to peak
// over warmupSteps, then decays it linearly back to zero at totalSteps.
// Steps past totalSteps yield zero.
func WarmupLinearDecay(peak float64, totalSteps, warmupSteps int64) Schedule {
	return func(step int64) float64 {
		if warmupSteps > 0 && step < warmupSteps {
			return peak * float64(step) / float64(warmupSteps)
		}
		if step >= totalSteps {
			return 0
		}
		remaining := float64(totalSteps - step)
		span := float64(totalSteps - warmupSteps)
		if span <= 0 {
			return 0
		}
		return peak * remaining / span
	}
}

// CreateOptimizer builds an AdamW optimizer with a warmup then linear
// decay schedule, the standard configuration for fine-tuning runs. The
// schedule is returned alongside the optimizer so callers can report
// the current learning rate.
func CreateOptimizer(lr float64, totalSteps, warmupSteps int64, epsilon, weightDecay float64) (*AdamW, Schedule) {
	schedule := WarmupLinearDecay(lr, totalSteps, warmupSteps)
	cfg := DefaultAdamWConfig()
	cfg.LearningRate = schedule
	cfg.Epsilon = epsilon
	cfg.WeightDecay = weightDecay
	return NewAdamW(cfg), schedule
}
