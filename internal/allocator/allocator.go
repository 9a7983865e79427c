// Package allocator bounds the wait for a free GPU. The repository does the
// transactional claim; this layer polls it with jitter and gives up after the
// configured timeout so a saturated pool fails beams instead of hanging them.
package allocator

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mqilab/beamline/internal/model"
	"github.com/mqilab/beamline/internal/mqierr"
	"github.com/mqilab/beamline/internal/repository"
)

// Pool hands out GPU resources to beams.
type Pool struct {
	resources      *repository.ResourceRepository
	acquireTimeout time.Duration
	pollInterval   time.Duration
}

func NewPool(resources *repository.ResourceRepository, acquireTimeout, pollInterval time.Duration) *Pool {
	return &Pool{
		resources:      resources,
		acquireTimeout: acquireTimeout,
		pollInterval:   pollInterval,
	}
}

// Acquire claims a free GPU for beamID, polling until one frees up or the
// acquire timeout expires. On timeout it returns a ResourceError.
func (p *Pool) Acquire(ctx context.Context, beamID string) (*model.Resource, error) {
	deadline := time.Now().Add(p.acquireTimeout)
	jitter := &backoff.Backoff{
		Min:    p.pollInterval,
		Max:    p.pollInterval * 4,
		Factor: 1.5,
		Jitter: true,
	}

	for {
		res, err := p.resources.FindAndLockAvailableResource(beamID)
		if err == nil {
			log.WithFields(log.Fields{"beam_id": beamID, "resource": res.Name}).Info("Acquired GPU")
			return res, nil
		}
		if !errors.Is(err, repository.ErrNoResourceAvailable) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, &mqierr.ResourceError{BeamID: beamID, Waited: p.acquireTimeout}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter.Duration()):
		}
	}
}

// Release returns the beam's GPU to the pool. Safe to call when the beam
// holds nothing.
func (p *Pool) Release(resourceID string) error {
	return p.resources.Release(resourceID)
}

// SweepOrphaned frees GPUs still marked allocated to beams that are no longer
// executing. Run once at startup before dispatching resumes.
func (p *Pool) SweepOrphaned() ([]string, error) {
	return p.resources.SweepOrphaned()
}
