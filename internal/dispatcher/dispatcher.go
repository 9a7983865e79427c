// Package dispatcher expands a discovered case into beams and fans them out
// to workflow machines. Beam concurrency is bounded by one shared semaphore
// so a case with forty beams cannot starve the host or the GPU pool.
package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/mqilab/beamline/internal/events"
	"github.com/mqilab/beamline/internal/model"
	"github.com/mqilab/beamline/internal/mqierr"
)

// CaseStore is the slice of the case repository the dispatcher needs.
type CaseStore interface {
	Create(id, rootPath string) error
	Exists(id string) (bool, error)
	UpdateStatus(id string, status model.CaseStatus, detail string) error
}

// BeamStore creates and loads beam rows.
type BeamStore interface {
	Create(id, caseID, path string) error
	Get(id string) (*model.Beam, error)
}

// BeamRunner drives one beam through its workflow.
type BeamRunner interface {
	Run(ctx context.Context, beam *model.Beam) error
}

// CaseSettler recomputes a case's status from its beams.
type CaseSettler interface {
	Recompute(caseID string) error
}

type Dispatcher struct {
	cases   CaseStore
	beams   BeamStore
	machine BeamRunner
	settler CaseSettler
	bus     *events.Bus
	sem     *semaphore.Weighted
}

func New(cases CaseStore, beams BeamStore, machine BeamRunner, settler CaseSettler, bus *events.Bus, maxWorkers int) *Dispatcher {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Dispatcher{
		cases:   cases,
		beams:   beams,
		machine: machine,
		settler: settler,
		bus:     bus,
		sem:     semaphore.NewWeighted(int64(maxWorkers)),
	}
}

// Dispatch registers the case, expands it into per-beam workflows and blocks
// until every beam reaches a terminal status. Cases already known are skipped
// so a rescan of the same directory is harmless.
func (d *Dispatcher) Dispatch(ctx context.Context, caseID, rootPath string) error {
	known, err := d.cases.Exists(caseID)
	if err != nil {
		return err
	}
	if known {
		log.WithField("case_id", caseID).Debug("Case already registered, skipping")
		return nil
	}

	beamDirs, err := enumerateBeamDirs(rootPath)
	if err != nil {
		return err
	}

	if err := d.cases.Create(caseID, rootPath); err != nil {
		return err
	}
	if d.bus != nil {
		d.bus.Publish(events.Event{Type: events.EventCaseDiscovered, CaseID: caseID})
	}

	if len(beamDirs) == 0 {
		// An empty case fails as a whole; there are no beams to blame.
		if err := d.cases.UpdateStatus(caseID, model.CaseFailed, "no beam subdirectories found"); err != nil {
			return err
		}
		return mqierr.Validationf("case %s has no beam subdirectories", caseID)
	}

	beams := make([]*model.Beam, 0, len(beamDirs))
	for _, dir := range beamDirs {
		beamID := model.BeamID(caseID, filepath.Base(dir))
		if err := d.beams.Create(beamID, caseID, dir); err != nil {
			return err
		}
		beam, err := d.beams.Get(beamID)
		if err != nil {
			return err
		}
		beams = append(beams, beam)
	}

	if err := d.cases.UpdateStatus(caseID, model.CaseProcessing, ""); err != nil {
		return err
	}
	log.WithFields(log.Fields{"case_id": caseID, "beams": len(beams)}).Info("Dispatching case")

	var wg sync.WaitGroup
	for _, beam := range beams {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(b *model.Beam) {
			defer wg.Done()
			defer d.sem.Release(1)
			d.runBeam(ctx, b)
		}(beam)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) runBeam(ctx context.Context, beam *model.Beam) {
	if err := d.machine.Run(ctx, beam); err != nil {
		log.WithFields(log.Fields{"beam_id": beam.ID, "case_id": beam.CaseID}).
			Errorf("Beam workflow failed: %v", err)
	}
	if err := d.settler.Recompute(beam.CaseID); err != nil {
		log.WithField("case_id", beam.CaseID).Errorf("Failed to recompute case status: %v", err)
	}
}

// enumerateBeamDirs lists the immediate subdirectories of rootPath in a
// stable order. Regular files at the case root (CT volumes, plan files) are
// shared inputs, not beams.
func enumerateBeamDirs(rootPath string) ([]string, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, mqierr.Validationf("case root %s is not accessible: %v", rootPath, err)
	}
	if !info.IsDir() {
		return nil, mqierr.Validationf("case root %s is not a directory", rootPath)
	}

	entries, err := os.ReadDir(rootPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read case root %s", rootPath)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(rootPath, entry.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
