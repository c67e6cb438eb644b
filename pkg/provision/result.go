package provision

import "fmt"

// Stage names the pipeline stages in execution order.
type Stage string

const (
	StageDiskSelect   Stage = "disk-select"
	StageProvision    Stage = "provision"
	StageFormatMount  Stage = "format-mount"
	StageRelabel      Stage = "relabel"
	StageDBInit       Stage = "db-init"
	StageServiceStart Stage = "service-start"
	StageConfigUpdate Stage = "config-update"
	StageVerify       Stage = "verify"

	// StagePostActivationCheck is the stage name surfaced for a failed
	// verification.
	StagePostActivationCheck Stage = "post-activation-check"
)

// SystemCommandError is the catch-all for a collaborator call that
// failed unexpectedly during a stage. Errors from the documented
// taxonomy pass through unwrapped via errors.Is.
type SystemCommandError struct {
	Stage Stage
	Cause error
}

func (e *SystemCommandError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Cause)
}

func (e *SystemCommandError) Unwrap() error {
	return e.Cause
}

// ActivationResult is the outcome of one activation run. Not persisted;
// returned to the caller for exit-code and messaging purposes.
type ActivationResult struct {
	// OK is true when every stage succeeded.
	OK bool

	// FailedStage names the stage that stopped the pipeline.
	FailedStage Stage

	// Cause is the underlying error of the failed stage.
	Cause error
}

func (r *ActivationResult) String() string {
	if r.OK {
		return "activation succeeded"
	}
	return fmt.Sprintf("activation failed at stage %s: %v", r.FailedStage, r.Cause)
}

func success() *ActivationResult {
	return &ActivationResult{OK: true}
}

func failure(stage Stage, cause error) *ActivationResult {
	return &ActivationResult{FailedStage: stage, Cause: cause}
}
