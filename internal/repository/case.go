// Package repository provides the persistence layer over the cases, beams,
// resources and workflow_steps tables.
package repository

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/mqilab/beamline/internal/model"
)

// CaseRepository manages rows of the cases table.
type CaseRepository struct {
	db *gorm.DB
}

func NewCaseRepository(db *gorm.DB) *CaseRepository {
	return &CaseRepository{db: db}
}

// Create inserts a new case in discovered status.
func (r *CaseRepository) Create(id, rootPath string) error {
	now := time.Now().UTC()
	c := model.Case{
		ID:        id,
		RootPath:  rootPath,
		Status:    model.CaseDiscovered,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.Create(&c).Error; err != nil {
		return errors.Wrapf(err, "create case %s", id)
	}
	return nil
}

func (r *CaseRepository) Get(id string) (*model.Case, error) {
	var c model.Case
	if err := r.db.First(&c, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get case %s", id)
	}
	return &c, nil
}

// Exists reports whether a case row exists for id.
func (r *CaseRepository) Exists(id string) (bool, error) {
	var count int64
	if err := r.db.Model(&model.Case{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, errors.Wrapf(err, "count case %s", id)
	}
	return count > 0, nil
}

// UpdateStatus sets the case status. detail is stored for failed cases and
// ignored otherwise.
func (r *CaseRepository) UpdateStatus(id string, status model.CaseStatus, detail string) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if status == model.CaseFailed {
		updates["error_message"] = detail
	}
	res := r.db.Model(&model.Case{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update case %s to %s", id, status)
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("update case %s to %s: no such case", id, status)
	}
	return nil
}

// List returns all cases ordered by creation time.
func (r *CaseRepository) List() ([]model.Case, error) {
	var cases []model.Case
	if err := r.db.Order("created_at").Find(&cases).Error; err != nil {
		return nil, errors.Wrap(err, "list cases")
	}
	return cases, nil
}

// CountByStatus returns case counts keyed by status.
func (r *CaseRepository) CountByStatus() (map[model.CaseStatus]int64, error) {
	return countByStatus[model.CaseStatus](r.db, &model.Case{})
}

type statusCount[S ~string] struct {
	Status S
	Count  int64
}

func countByStatus[S ~string](db *gorm.DB, entity any) (map[S]int64, error) {
	var rows []statusCount[S]
	if err := db.Model(entity).Select("status, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "count by status")
	}
	out := make(map[S]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
