package repository

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/mqilab/beamline/internal/model"
)

// BeamRepository manages rows of the beams table and the append-only
// workflow_steps audit trail.
type BeamRepository struct {
	db *gorm.DB
}

func NewBeamRepository(db *gorm.DB) *BeamRepository {
	return &BeamRepository{db: db}
}

// Create inserts a new beam in initial status.
func (r *BeamRepository) Create(id, caseID, path string) error {
	now := time.Now().UTC()
	b := model.Beam{
		ID:        id,
		CaseID:    caseID,
		Path:      path,
		Status:    model.BeamInitial,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.Create(&b).Error; err != nil {
		return errors.Wrapf(err, "create beam %s", id)
	}
	return nil
}

func (r *BeamRepository) Get(id string) (*model.Beam, error) {
	var b model.Beam
	if err := r.db.First(&b, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get beam %s", id)
	}
	return &b, nil
}

func (r *BeamRepository) ListByCase(caseID string) ([]model.Beam, error) {
	var beams []model.Beam
	if err := r.db.Where("case_id = ?", caseID).Order("id").Find(&beams).Error; err != nil {
		return nil, errors.Wrapf(err, "list beams for case %s", caseID)
	}
	return beams, nil
}

// ListNonTerminal returns beams that are neither completed nor failed. Used by
// the startup reconciler to find work orphaned by a crash.
func (r *BeamRepository) ListNonTerminal() ([]model.Beam, error) {
	var beams []model.Beam
	err := r.db.Where("status NOT IN ?", []model.BeamStatus{model.BeamCompleted, model.BeamFailed}).
		Order("id").Find(&beams).Error
	if err != nil {
		return nil, errors.Wrap(err, "list non-terminal beams")
	}
	return beams, nil
}

// UpdateStatus transitions a beam, enforcing the phase ordering. detail is
// stored for failed beams.
func (r *BeamRepository) UpdateStatus(id string, status model.BeamStatus, detail string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var b model.Beam
		if err := tx.First(&b, "id = ?", id).Error; err != nil {
			return errors.Wrapf(err, "get beam %s", id)
		}
		if err := model.ValidateBeamTransition(b.Status, status); err != nil {
			return errors.Wrapf(err, "beam %s", id)
		}
		updates := map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		}
		if status == model.BeamFailed {
			updates["error_message"] = detail
		}
		if err := tx.Model(&model.Beam{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return errors.Wrapf(err, "update beam %s to %s", id, status)
		}
		return nil
	})
}

// AssignResource records which resource a beam currently holds; nil clears it.
func (r *BeamRepository) AssignResource(id string, resourceID *string) error {
	err := r.db.Model(&model.Beam{}).Where("id = ?", id).Updates(map[string]any{
		"resource_id": resourceID,
		"updated_at":  time.Now().UTC(),
	}).Error
	if err != nil {
		return errors.Wrapf(err, "assign resource to beam %s", id)
	}
	return nil
}

// AssignRemoteJob records the remote scheduler's job identifier for a beam.
func (r *BeamRepository) AssignRemoteJob(id, jobID string) error {
	err := r.db.Model(&model.Beam{}).Where("id = ?", id).Updates(map[string]any{
		"remote_job_id": jobID,
		"updated_at":    time.Now().UTC(),
	}).Error
	if err != nil {
		return errors.Wrapf(err, "assign remote job to beam %s", id)
	}
	return nil
}

// RecordStep appends one workflow step audit row. Steps are write-once.
func (r *BeamRepository) RecordStep(beamID string, phase model.Phase, outcome, detail string) error {
	step := model.WorkflowStep{
		BeamID:  beamID,
		Phase:   phase,
		Outcome: outcome,
		Detail:  detail,
		At:      time.Now().UTC(),
	}
	if err := r.db.Create(&step).Error; err != nil {
		return errors.Wrapf(err, "record step %s/%s for beam %s", phase, outcome, beamID)
	}
	return nil
}

// Steps returns the audit trail for a beam in insertion order.
func (r *BeamRepository) Steps(beamID string) ([]model.WorkflowStep, error) {
	var steps []model.WorkflowStep
	if err := r.db.Where("beam_id = ?", beamID).Order("id").Find(&steps).Error; err != nil {
		return nil, errors.Wrapf(err, "list steps for beam %s", beamID)
	}
	return steps, nil
}

// CountByStatus returns beam counts keyed by status.
func (r *BeamRepository) CountByStatus() (map[model.BeamStatus]int64, error) {
	return countByStatus[model.BeamStatus](r.db, &model.Beam{})
}
