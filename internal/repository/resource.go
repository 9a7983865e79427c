package repository

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mqilab/beamline/internal/model"
)

// ErrNoResourceAvailable is the typed "none available" outcome of a claim.
// Callers poll around it; it is not a failure of the claim machinery itself.
var ErrNoResourceAvailable = errors.New("no free resource available")

// ResourceRepository manages the shared accelerator pool. The claim operation
// is a single transaction so two racing callers can never both take the same
// row.
type ResourceRepository struct {
	db *gorm.DB

	// claimMu serializes in-process claims. SQLite aborts one of two
	// transactions that both try to upgrade to a write lock; the guarded
	// UPDATE below still protects against other processes.
	claimMu sync.Mutex
}

func NewResourceRepository(db *gorm.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// FindAndLockAvailableResource atomically claims one free resource for beamID.
// Returns ErrNoResourceAvailable when the pool is exhausted.
func (r *ResourceRepository) FindAndLockAvailableResource(beamID string) (*model.Resource, error) {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()

	var claimed *model.Resource
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var res model.Resource
		err := tx.Where("status = ?", model.ResourceFree).
			Order("memory_free_mb DESC, id").
			First(&res).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoResourceAvailable
		}
		if err != nil {
			return errors.Wrap(err, "select free resource")
		}

		// The status guard in the WHERE clause is what makes the claim safe
		// against a concurrent transaction that took the same row.
		out := tx.Model(&model.Resource{}).
			Where("id = ? AND status = ?", res.ID, model.ResourceFree).
			Updates(map[string]any{
				"status":           model.ResourceAllocated,
				"assigned_beam_id": beamID,
				"updated_at":       time.Now().UTC(),
			})
		if out.Error != nil {
			return errors.Wrapf(out.Error, "claim resource %s", res.ID)
		}
		if out.RowsAffected != 1 {
			return ErrNoResourceAvailable
		}
		res.Status = model.ResourceAllocated
		res.AssignedBeamID = &beamID
		claimed = &res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Release frees a resource. Idempotent: releasing an already-free resource is
// a no-op, which crash-recovery paths rely on.
func (r *ResourceRepository) Release(resourceID string) error {
	err := r.db.Model(&model.Resource{}).Where("id = ?", resourceID).Updates(map[string]any{
		"status":           model.ResourceFree,
		"assigned_beam_id": nil,
		"updated_at":       time.Now().UTC(),
	}).Error
	if err != nil {
		return errors.Wrapf(err, "release resource %s", resourceID)
	}
	return nil
}

// Get returns a resource row by id.
func (r *ResourceRepository) Get(id string) (*model.Resource, error) {
	var res model.Resource
	if err := r.db.First(&res, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get resource %s", id)
	}
	return &res, nil
}

// List returns all resources ordered by id.
func (r *ResourceRepository) List() ([]model.Resource, error) {
	var resources []model.Resource
	if err := r.db.Order("id").Find(&resources).Error; err != nil {
		return nil, errors.Wrap(err, "list resources")
	}
	return resources, nil
}

// Upsert refreshes the pool from a monitor sample. New devices are inserted
// free; known devices get their telemetry refreshed without touching status or
// assignment, so the monitor can never steal an allocated device.
func (r *ResourceRepository) Upsert(resources []model.Resource) error {
	now := time.Now().UTC()
	return r.db.Transaction(func(tx *gorm.DB) error {
		for _, res := range resources {
			var existing model.Resource
			err := tx.First(&existing, "id = ?", res.ID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				res.Status = model.ResourceFree
				res.AssignedBeamID = nil
				res.UpdatedAt = now
				if err := tx.Create(&res).Error; err != nil {
					return errors.Wrapf(err, "insert resource %s", res.ID)
				}
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "get resource %s", res.ID)
			}
			err = tx.Model(&model.Resource{}).Where("id = ?", res.ID).Updates(map[string]any{
				"name":            res.Name,
				"memory_total_mb": res.MemoryTotalMB,
				"memory_free_mb":  res.MemoryFreeMB,
				"updated_at":      now,
			}).Error
			if err != nil {
				return errors.Wrapf(err, "refresh resource %s", res.ID)
			}
		}
		return nil
	})
}

// SweepOrphaned frees resources still marked allocated whose assigned beam is
// missing or not executing. Self-healing against allocations leaked by a
// crashed worker. Returns the ids freed.
func (r *ResourceRepository) SweepOrphaned() ([]string, error) {
	var allocated []model.Resource
	if err := r.db.Where("status = ?", model.ResourceAllocated).Find(&allocated).Error; err != nil {
		return nil, errors.Wrap(err, "list allocated resources")
	}

	var freed []string
	for _, res := range allocated {
		orphaned := true
		if res.AssignedBeamID != nil {
			var beam model.Beam
			err := r.db.First(&beam, "id = ?", *res.AssignedBeamID).Error
			if err == nil && beam.Status == model.BeamExecuting {
				orphaned = false
			} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return freed, errors.Wrapf(err, "get beam %s", *res.AssignedBeamID)
			}
		}
		if !orphaned {
			continue
		}
		if err := r.Release(res.ID); err != nil {
			return freed, err
		}
		log.WithFields(log.Fields{
			"resource_id": res.ID,
			"beam_id":     stringOrEmpty(res.AssignedBeamID),
		}).Warn("Freed orphaned resource allocation")
		freed = append(freed, res.ID)
	}
	return freed, nil
}

// CountByStatus returns resource counts keyed by status.
func (r *ResourceRepository) CountByStatus() (map[model.ResourceStatus]int64, error) {
	return countByStatus[model.ResourceStatus](r.db, &model.Resource{})
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
