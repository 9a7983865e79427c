package daemon

import (
	log "github.com/sirupsen/logrus"

	"github.com/mqilab/beamline/internal/model"
)

// reconcile repairs state left by a crashed or killed predecessor: GPUs still
// marked allocated are swept back to the pool, and beams stranded mid-phase
// are failed so their cases can settle. Runs before any new work is accepted.
func (d *Daemon) reconcile() error {
	stranded, err := d.beams.ListNonTerminal()
	if err != nil {
		return err
	}

	touched := make(map[string]bool)
	for _, beam := range stranded {
		detail := "daemon restarted while beam was in flight"
		if err := d.beams.UpdateStatus(beam.ID, model.BeamFailed, detail); err != nil {
			return err
		}
		if err := d.beams.RecordStep(beam.ID, phaseForStatus(beam.Status), model.StepFailed, detail); err != nil {
			return err
		}
		touched[beam.CaseID] = true
		log.WithFields(log.Fields{"beam_id": beam.ID, "was": beam.Status}).Warn("Failed stranded beam")
	}

	// With every stranded beam failed, any remaining allocation is orphaned.
	freed, err := d.resources.SweepOrphaned()
	if err != nil {
		return err
	}
	if len(freed) > 0 {
		log.WithField("resources", freed).Warn("Recovered orphaned GPU allocations")
	}

	for caseID := range touched {
		if err := d.settler.Recompute(caseID); err != nil {
			return err
		}
	}
	return nil
}

// phaseForStatus inverts the phase-to-status mapping for step records.
func phaseForStatus(s model.BeamStatus) model.Phase {
	switch s {
	case model.BeamInitial:
		return model.PhaseInitial
	case model.BeamPreprocessing:
		return model.PhasePreprocessing
	case model.BeamUploading:
		return model.PhaseFileUpload
	case model.BeamExecuting:
		return model.PhaseHpcExecution
	case model.BeamDownloading:
		return model.PhaseDownload
	case model.BeamPostprocessing:
		return model.PhasePostprocessing
	case model.BeamCompleted:
		return model.PhaseCompleted
	default:
		return model.PhaseFailed
	}
}
