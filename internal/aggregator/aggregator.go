// Package aggregator settles case status from beam outcomes. A case completes
// only when every beam completed; one failed beam fails the whole case.
package aggregator

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/mqilab/beamline/internal/events"
	"github.com/mqilab/beamline/internal/lock"
	"github.com/mqilab/beamline/internal/model"
)

// CaseStore is the slice of the case repository the aggregator needs.
type CaseStore interface {
	Get(id string) (*model.Case, error)
	UpdateStatus(id string, status model.CaseStatus, detail string) error
}

// BeamLister loads the beams of a case.
type BeamLister interface {
	ListByCase(caseID string) ([]model.Beam, error)
}

type Aggregator struct {
	cases CaseStore
	beams BeamLister
	bus   *events.Bus
	locks *lock.MutexMap
}

func New(cases CaseStore, beams BeamLister, bus *events.Bus) *Aggregator {
	return &Aggregator{
		cases: cases,
		beams: beams,
		bus:   bus,
		locks: lock.NewMutexMap(),
	}
}

// Recompute re-derives the case status from its beams. Idempotent, and safe
// to call concurrently from every beam worker: recomputation is serialized
// per case and a terminal case never changes again.
func (a *Aggregator) Recompute(caseID string) error {
	a.locks.Lock(caseID)
	defer a.locks.Unlock(caseID)

	c, err := a.cases.Get(caseID)
	if err != nil {
		return err
	}
	if model.IsCaseTerminal(c.Status) {
		return nil
	}

	beams, err := a.beams.ListByCase(caseID)
	if err != nil {
		return err
	}

	status, detail := settle(beams)
	if status == c.Status {
		return nil
	}
	if err := a.cases.UpdateStatus(caseID, status, detail); err != nil {
		return err
	}

	log.WithFields(log.Fields{"case_id": caseID, "status": status}).Info("Case status settled")
	if a.bus != nil && model.IsCaseTerminal(status) {
		a.bus.Publish(events.Event{
			Type:   events.EventCaseTerminal,
			CaseID: caseID,
			Status: string(status),
			Detail: detail,
		})
	}
	return nil
}

// settle folds beam statuses into a case status: Failed as soon as any beam
// failed, Completed once every beam completed, Processing otherwise. Beams of
// an already-failed case keep running; their outcomes no longer matter.
func settle(beams []model.Beam) (model.CaseStatus, string) {
	var failed []string
	running := false
	for _, b := range beams {
		switch {
		case b.Status == model.BeamFailed:
			failed = append(failed, b.ID)
		case !model.IsBeamTerminal(b.Status):
			running = true
		}
	}
	if len(failed) > 0 {
		return model.CaseFailed, fmt.Sprintf("%d beam(s) failed: %s", len(failed), strings.Join(failed, ", "))
	}
	if running {
		return model.CaseProcessing, ""
	}
	return model.CaseCompleted, ""
}
