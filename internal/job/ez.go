package job

// EZState is the early-Z decision of a job or pipeline.
type EZState uint8

const (
	EZUndecided EZState = iota
	EZGtGe
	EZLtLe
	EZDisabled
)

func (s EZState) String() string {
	switch s {
	case EZUndecided:
		return "undecided"
	case EZGtGe:
		return "GT/GE"
	case EZLtLe:
		return "LT/LE"
	case EZDisabled:
		return "disabled"
	default:
		return "EZState(?)"
	}
}

// Early-Z test direction in the rendering mode configuration.
const (
	EZDirectionLtLe = 0
	EZDirectionGtGe = 1
)

// UpdateEZState folds one draw call into the job's early-Z decision.
//
// disableGlobally is evaluated once per job, on its first draw; returning
// true disables early-Z for the whole job. pipelineEZ is the direction the
// bound pipeline's depth test picked and fsWritesZ whether its fragment
// shader writes depth.
func (j *Job) UpdateEZState(disableGlobally func() bool, pipelineEZ EZState, fsWritesZ bool) {
	// Once disabled for the whole job every draw must keep it disabled.
	if j.FirstEZState == EZDisabled {
		return
	}

	if !j.DecidedGlobalEZEnable {
		j.DecidedGlobalEZEnable = true
		if disableGlobally != nil && disableGlobally() {
			j.FirstEZState = EZDisabled
			j.EZState = EZDisabled
			return
		}
	}

	if fsWritesZ {
		j.EZState = EZDisabled
		return
	}

	switch pipelineEZ {
	case EZUndecided:
		// Go along with the current direction.
	case EZLtLe, EZGtGe:
		if j.EZState == EZUndecided {
			j.EZState = pipelineEZ
		} else if j.EZState != pipelineEZ {
			j.EZState = EZDisabled
		}
	case EZDisabled:
		j.EZState = EZDisabled
	}

	if j.FirstEZState == EZUndecided && j.EZState != EZDisabled {
		j.FirstEZState = j.EZState
	}
}

// RCLEarlyZConfig returns the early-Z setup for the job's rendering mode
// configuration.
func (j *Job) RCLEarlyZConfig() (disable bool, direction uint32) {
	// No draw calls: nothing gains from early-Z.
	if !j.DecidedGlobalEZEnable {
		return true, 0
	}
	switch j.FirstEZState {
	case EZUndecided, EZLtLe:
		return false, EZDirectionLtLe
	case EZGtGe:
		return false, EZDirectionGtGe
	default:
		return true, 0
	}
}
