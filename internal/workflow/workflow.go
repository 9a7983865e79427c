// Package workflow drives a single beam through its processing pipeline:
// preprocessing, upload, HPC execution, download, postprocessing. Each phase
// entry is persisted before any work so a crashed daemon can tell exactly how
// far every beam got.
package workflow

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mqilab/beamline/internal/events"
	"github.com/mqilab/beamline/internal/executor"
	"github.com/mqilab/beamline/internal/model"
	"github.com/mqilab/beamline/internal/mqierr"
	"github.com/mqilab/beamline/internal/remote"
)

// BeamStore is the slice of the beam repository the machine needs.
type BeamStore interface {
	UpdateStatus(id string, status model.BeamStatus, detail string) error
	AssignResource(id string, resourceID *string) error
	AssignRemoteJob(id, jobID string) error
	RecordStep(beamID string, phase model.Phase, outcome, detail string) error
}

// ResourcePool claims and returns GPUs.
type ResourcePool interface {
	Acquire(ctx context.Context, beamID string) (*model.Resource, error)
	Release(resourceID string) error
}

// LocalRunner runs local tools.
type LocalRunner interface {
	Run(ctx context.Context, tool string, args []string, dir string) (executor.Result, error)
}

// Retrier wraps an operation class with retries and a circuit breaker.
type Retrier interface {
	Do(ctx context.Context, class string, fn func(ctx context.Context) error) error
}

// Settings carries the non-injected knobs of the machine.
type Settings struct {
	RemoteCaseRoot    string
	ResultFileName    string
	ResultsDir        string
	PythonInterpreter string
	InterpreterScript string
	ConverterScript   string
	JobPollInterval   time.Duration
	JobTimeout        time.Duration
}

// Machine executes the beam workflow. One Run call per beam; the dispatcher
// bounds how many run concurrently.
type Machine struct {
	beams    BeamStore
	pool     ResourcePool
	local    LocalRunner
	cluster  remote.Executor
	bus      *events.Bus
	settings Settings

	// Per-class retry policies: transfers, job submission, job polling.
	transfer   Retrier
	submission Retrier
	poll       Retrier
}

func NewMachine(
	beams BeamStore,
	pool ResourcePool,
	local LocalRunner,
	cluster remote.Executor,
	bus *events.Bus,
	settings Settings,
	transfer, submission, poll Retrier,
) *Machine {
	return &Machine{
		beams:      beams,
		pool:       pool,
		local:      local,
		cluster:    cluster,
		bus:        bus,
		settings:   settings,
		transfer:   transfer,
		submission: submission,
		poll:       poll,
	}
}

// A phaseHandler does the work of one phase and returns a human-readable
// detail for the step record on success.
type phaseHandler func(ctx context.Context, beam *model.Beam) (string, error)

func (m *Machine) handlers() map[model.Phase]phaseHandler {
	return map[model.Phase]phaseHandler{
		model.PhaseInitial:        nil,
		model.PhasePreprocessing:  m.preprocess,
		model.PhaseFileUpload:     m.upload,
		model.PhaseHpcExecution:   m.execute,
		model.PhaseDownload:       m.download,
		model.PhasePostprocessing: m.postprocess,
	}
}

// Run walks the beam through every phase until Completed, or marks it Failed
// at the first phase error. The returned error carries the failing phase.
func (m *Machine) Run(ctx context.Context, beam *model.Beam) error {
	handlers := m.handlers()
	phase := model.PhaseInitial

	for !model.IsPhaseTerminal(phase) {
		if err := m.enterPhase(beam, phase); err != nil {
			return err
		}

		if handler := handlers[phase]; handler != nil {
			detail, err := handler(ctx, beam)
			if err != nil {
				m.recordOutcome(beam, phase, model.StepFailed, err.Error())
				m.finish(beam, model.BeamFailed, err.Error())
				return mqierr.Workflow(beam.ID, string(phase), err)
			}
			m.recordOutcome(beam, phase, model.StepCompleted, detail)
		}

		next, ok := model.NextPhase(phase)
		if !ok {
			return errors.Errorf("phase %s has no successor", phase)
		}
		phase = next
	}

	m.finish(beam, model.BeamCompleted, "")
	return nil
}

// enterPhase persists the beam status for the phase before any work happens.
func (m *Machine) enterPhase(beam *model.Beam, phase model.Phase) error {
	status := model.StatusForPhase(phase)
	if err := m.beams.UpdateStatus(beam.ID, status, ""); err != nil {
		return errors.Wrapf(err, "enter phase %s for beam %s", phase, beam.ID)
	}
	log.WithFields(log.Fields{"beam_id": beam.ID, "phase": phase}).Info("Beam entered phase")
	m.publish(events.Event{
		Type:   events.EventBeamPhaseChanged,
		CaseID: beam.CaseID,
		BeamID: beam.ID,
		Phase:  string(phase),
		Status: string(status),
	})
	return nil
}

func (m *Machine) recordOutcome(beam *model.Beam, phase model.Phase, outcome, detail string) {
	if err := m.beams.RecordStep(beam.ID, phase, outcome, detail); err != nil {
		log.WithFields(log.Fields{"beam_id": beam.ID, "phase": phase}).
			Errorf("Failed to record workflow step: %v", err)
	}
}

// finish persists the terminal status and appends the terminal step record.
func (m *Machine) finish(beam *model.Beam, status model.BeamStatus, detail string) {
	if err := m.beams.UpdateStatus(beam.ID, status, detail); err != nil {
		log.WithField("beam_id", beam.ID).Errorf("Failed to persist terminal status: %v", err)
	}
	if status == model.BeamFailed {
		m.recordOutcome(beam, model.PhaseFailed, model.StepFailed, detail)
	} else {
		m.recordOutcome(beam, model.PhaseCompleted, model.StepCompleted, detail)
	}
	m.publish(events.Event{
		Type:   events.EventBeamTerminal,
		CaseID: beam.CaseID,
		BeamID: beam.ID,
		Status: string(status),
		Detail: detail,
	})
}

func (m *Machine) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}

// preprocess renders the simulation input file the HPC job reads, runs the
// case interpreter over the beam directory, then verifies the interpreter
// actually produced artifact files. A beam with nothing to upload is bad case
// input, not a transient failure.
func (m *Machine) preprocess(ctx context.Context, beam *model.Beam) (string, error) {
	if err := m.renderSimulationInput(beam); err != nil {
		return "", err
	}
	if m.settings.InterpreterScript != "" {
		args := []string{m.settings.InterpreterScript, "--input", beam.Path, "--output", beam.Path}
		result, err := m.local.Run(ctx, m.settings.PythonInterpreter, args, beam.Path)
		if err != nil {
			return "", err
		}
		if !result.Success {
			// A failed interpreter means bad case input, never worth retrying.
			return "", mqierr.Validationf("interpreter exited %d: %s",
				result.ExitCode, strings.TrimSpace(result.Stderr))
		}
	}

	artifacts, err := filepath.Glob(filepath.Join(beam.Path, "*.csv"))
	if err != nil {
		return "", errors.Wrap(err, "scan beam artifacts")
	}
	if len(artifacts) == 0 {
		return "", mqierr.Validationf("no artifact files generated in %s", beam.Path)
	}
	return fmt.Sprintf("generated %d artifact files", len(artifacts)), nil
}

// renderSimulationInput writes the parameter file the simulation binary
// expects inside the beam directory.
func (m *Machine) renderSimulationInput(beam *model.Beam) error {
	var b strings.Builder
	fmt.Fprintf(&b, "## beamline generated input for %s\n", beam.ID)
	fmt.Fprintf(&b, "OutputDir ./\n")
	fmt.Fprintf(&b, "OutputFormat raw\n")
	fmt.Fprintf(&b, "OutputFileName %s\n", m.settings.ResultFileName)
	fmt.Fprintf(&b, "BeamDir %s\n", filepath.Base(beam.Path))

	target := filepath.Join(beam.Path, "moqui_tps.in")
	if err := os.WriteFile(target, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, "write simulation input")
	}
	return nil
}

// remoteDir is the per-beam staging directory on the cluster, scoped under
// the owning case.
func (m *Machine) remoteDir(beam *model.Beam) string {
	return path.Join(m.settings.RemoteCaseRoot, beam.CaseID, filepath.Base(beam.Path))
}

func (m *Machine) upload(ctx context.Context, beam *model.Beam) (string, error) {
	return "", m.transfer.Do(ctx, "upload", func(ctx context.Context) error {
		return m.cluster.Upload(ctx, beam.Path, m.remoteDir(beam))
	})
}

// execute claims a GPU, submits the simulation and polls it to completion.
// The GPU is always returned to the pool, success or not.
func (m *Machine) execute(ctx context.Context, beam *model.Beam) (string, error) {
	res, err := m.pool.Acquire(ctx, beam.ID)
	if err != nil {
		return "", err
	}
	if err := m.beams.AssignResource(beam.ID, &res.ID); err != nil {
		_ = m.pool.Release(res.ID)
		return "", err
	}
	defer func() {
		if err := m.pool.Release(res.ID); err != nil {
			log.WithField("resource", res.ID).Errorf("Failed to release GPU: %v", err)
		}
		if err := m.beams.AssignResource(beam.ID, nil); err != nil {
			log.WithField("beam_id", beam.ID).Errorf("Failed to clear resource assignment: %v", err)
		}
	}()

	var jobID string
	err = m.submission.Do(ctx, "submit", func(ctx context.Context) error {
		var submitErr error
		jobID, submitErr = m.cluster.SubmitJob(ctx, m.remoteDir(beam), res.ID)
		return submitErr
	})
	if err != nil {
		return "", err
	}
	if err := m.beams.AssignRemoteJob(beam.ID, jobID); err != nil {
		return "", err
	}

	return "", m.waitForJob(ctx, beam, jobID)
}

func (m *Machine) waitForJob(ctx context.Context, beam *model.Beam, jobID string) error {
	deadline := time.Now().Add(m.settings.JobTimeout)
	ticker := time.NewTicker(m.settings.JobPollInterval)
	defer ticker.Stop()

	for {
		var state remote.JobState
		err := m.poll.Do(ctx, "poll", func(ctx context.Context) error {
			var pollErr error
			state, pollErr = m.cluster.PollJob(ctx, jobID, m.remoteDir(beam))
			return pollErr
		})
		if err != nil {
			return err
		}

		switch state {
		case remote.JobSucceeded:
			return nil
		case remote.JobFailed:
			return errors.Errorf("simulation job %s failed on the cluster", jobID)
		}

		if time.Now().After(deadline) {
			return errors.Errorf("simulation job %s exceeded timeout %s", jobID, m.settings.JobTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// download fetches the result file into the per-beam results directory, then
// removes the remote working directory. Cleanup failures are logged only: the
// result is already safe locally.
func (m *Machine) download(ctx context.Context, beam *model.Beam) (string, error) {
	localDir := filepath.Join(m.settings.ResultsDir, beam.CaseID, filepath.Base(beam.Path))
	err := m.transfer.Do(ctx, "download", func(ctx context.Context) error {
		return m.cluster.Download(ctx, m.remoteDir(beam), m.settings.ResultFileName, localDir)
	})
	if err != nil {
		return "", err
	}

	if err := m.cluster.RemoveDir(ctx, m.remoteDir(beam)); err != nil {
		log.WithField("beam_id", beam.ID).Warnf("Failed to clean remote directory: %v", err)
	}
	return "", nil
}

// postprocess converts the raw simulation output into DICOM.
func (m *Machine) postprocess(ctx context.Context, beam *model.Beam) (string, error) {
	if m.settings.ConverterScript == "" {
		return "", nil
	}
	localDir := filepath.Join(m.settings.ResultsDir, beam.CaseID, filepath.Base(beam.Path))
	rawPath := filepath.Join(localDir, m.settings.ResultFileName)

	args := []string{m.settings.ConverterScript, "--input", rawPath, "--output", localDir}
	result, err := m.local.Run(ctx, m.settings.PythonInterpreter, args, localDir)
	if err != nil {
		return "", err
	}
	if !result.Success {
		return "", errors.Errorf("converter exited %d: %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return "", nil
}
