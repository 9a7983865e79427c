package model

import "fmt"

type CaseStatus string

const (
	CaseDiscovered CaseStatus = "discovered"
	CaseProcessing CaseStatus = "processing"
	CaseCompleted  CaseStatus = "completed"
	CaseFailed     CaseStatus = "failed"
)

type BeamStatus string

const (
	BeamInitial        BeamStatus = "initial"
	BeamPreprocessing  BeamStatus = "preprocessing"
	BeamUploading      BeamStatus = "uploading"
	BeamExecuting      BeamStatus = "executing"
	BeamDownloading    BeamStatus = "downloading"
	BeamPostprocessing BeamStatus = "postprocessing"
	BeamCompleted      BeamStatus = "completed"
	BeamFailed         BeamStatus = "failed"
)

type ResourceStatus string

const (
	ResourceFree      ResourceStatus = "free"
	ResourceAllocated ResourceStatus = "allocated"
	ResourceError     ResourceStatus = "error"
)

// Phase identifies one step of the per-beam workflow. The workflow is a closed
// graph: each phase has exactly one success successor (phaseOrder) and every
// non-terminal phase may transition to PhaseFailed.
type Phase string

const (
	PhaseInitial        Phase = "initial"
	PhasePreprocessing  Phase = "preprocessing"
	PhaseFileUpload     Phase = "file_upload"
	PhaseHpcExecution   Phase = "hpc_execution"
	PhaseDownload       Phase = "download"
	PhasePostprocessing Phase = "postprocessing"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
)

var phaseOrder = map[Phase]Phase{
	PhaseInitial:        PhasePreprocessing,
	PhasePreprocessing:  PhaseFileUpload,
	PhaseFileUpload:     PhaseHpcExecution,
	PhaseHpcExecution:   PhaseDownload,
	PhaseDownload:       PhasePostprocessing,
	PhasePostprocessing: PhaseCompleted,
}

// beamStatusForPhase maps a phase to the beam status persisted on entry.
var beamStatusForPhase = map[Phase]BeamStatus{
	PhaseInitial:        BeamInitial,
	PhasePreprocessing:  BeamPreprocessing,
	PhaseFileUpload:     BeamUploading,
	PhaseHpcExecution:   BeamExecuting,
	PhaseDownload:       BeamDownloading,
	PhasePostprocessing: BeamPostprocessing,
	PhaseCompleted:      BeamCompleted,
	PhaseFailed:         BeamFailed,
}

var terminalPhases = map[Phase]bool{
	PhaseCompleted: true,
	PhaseFailed:    true,
}

var terminalBeamStatuses = map[BeamStatus]bool{
	BeamCompleted: true,
	BeamFailed:    true,
}

var terminalCaseStatuses = map[CaseStatus]bool{
	CaseCompleted: true,
	CaseFailed:    true,
}

// Beam status is monotonic through the phase ordering; the only other permitted
// move is to failed from any non-terminal status.
var validBeamTransitions = map[BeamStatus]map[BeamStatus]bool{
	BeamInitial:        {BeamPreprocessing: true, BeamFailed: true},
	BeamPreprocessing:  {BeamUploading: true, BeamFailed: true},
	BeamUploading:      {BeamExecuting: true, BeamFailed: true},
	BeamExecuting:      {BeamDownloading: true, BeamFailed: true},
	BeamDownloading:    {BeamPostprocessing: true, BeamFailed: true},
	BeamPostprocessing: {BeamCompleted: true, BeamFailed: true},
}

// NextPhase returns the success successor of p. Terminal phases have none.
func NextPhase(p Phase) (Phase, bool) {
	next, ok := phaseOrder[p]
	return next, ok
}

// StatusForPhase returns the beam status persisted when a machine enters p.
func StatusForPhase(p Phase) BeamStatus {
	return beamStatusForPhase[p]
}

func IsPhaseTerminal(p Phase) bool {
	return terminalPhases[p]
}

func IsBeamTerminal(s BeamStatus) bool {
	return terminalBeamStatuses[s]
}

func IsCaseTerminal(s CaseStatus) bool {
	return terminalCaseStatuses[s]
}

// ValidateBeamTransition rejects transitions outside the phase ordering.
func ValidateBeamTransition(from, to BeamStatus) error {
	if from == to {
		return nil
	}
	if IsBeamTerminal(from) {
		return fmt.Errorf("cannot transition from terminal beam status %q", from)
	}
	allowed, ok := validBeamTransitions[from]
	if !ok {
		return fmt.Errorf("unknown beam status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid beam transition: %q -> %q", from, to)
	}
	return nil
}
