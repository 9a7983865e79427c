package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqilab/beamline/internal/events"
	"github.com/mqilab/beamline/internal/executor"
	"github.com/mqilab/beamline/internal/model"
	"github.com/mqilab/beamline/internal/mqierr"
	"github.com/mqilab/beamline/internal/remote"
	"github.com/mqilab/beamline/internal/resilience"
)

type fakeBeamStore struct {
	mu       sync.Mutex
	statuses []model.BeamStatus
	steps    []model.WorkflowStep
	resource *string
	jobID    string
	detail   string
}

func (s *fakeBeamStore) UpdateStatus(id string, status model.BeamStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	if detail != "" {
		s.detail = detail
	}
	return nil
}

func (s *fakeBeamStore) AssignResource(id string, resourceID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resource = resourceID
	return nil
}

func (s *fakeBeamStore) AssignRemoteJob(id, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobID = jobID
	return nil
}

func (s *fakeBeamStore) RecordStep(beamID string, phase model.Phase, outcome, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, model.WorkflowStep{BeamID: beamID, Phase: phase, Outcome: outcome, Detail: detail})
	return nil
}

type fakePool struct {
	mu       sync.Mutex
	acquired int
	released []string
	fail     error
}

func (p *fakePool) Acquire(ctx context.Context, beamID string) (*model.Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	p.acquired++
	return &model.Resource{ID: "gpu-0", Name: "Test GPU", Status: model.ResourceAllocated}, nil
}

func (p *fakePool) Release(resourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, resourceID)
	return nil
}

type fakeRunner struct {
	results map[string]executor.Result
	calls   []string
	// produce lists file names written into the working directory on every
	// successful run, standing in for the interpreter's output.
	produce []string
}

func (r *fakeRunner) Run(ctx context.Context, tool string, args []string, dir string) (executor.Result, error) {
	key := args[0]
	r.calls = append(r.calls, key)
	if res, ok := r.results[key]; ok {
		return res, nil
	}
	for _, name := range r.produce {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x,y\n"), 0o644); err != nil {
			return executor.Result{}, err
		}
	}
	return executor.Result{Success: true}, nil
}

type fakeCluster struct {
	mu        sync.Mutex
	uploaded  []string
	removed   []string
	polls     int
	pollPlan  []remote.JobState
	uploadErr error
	submitErr error
}

func (c *fakeCluster) Upload(ctx context.Context, localDir, remoteDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uploadErr != nil {
		return c.uploadErr
	}
	c.uploaded = append(c.uploaded, remoteDir)
	return nil
}

func (c *fakeCluster) Download(ctx context.Context, remoteDir, fileName, localDir string) error {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(localDir, fileName), []byte("raw"), 0o644)
}

func (c *fakeCluster) SubmitJob(ctx context.Context, remoteDir, resourceName string) (string, error) {
	if c.submitErr != nil {
		return "", c.submitErr
	}
	return "4242", nil
}

func (c *fakeCluster) PollJob(ctx context.Context, jobID, remoteDir string) (remote.JobState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.pollPlan[c.polls]
	if c.polls < len(c.pollPlan)-1 {
		c.polls++
	}
	return state, nil
}

func (c *fakeCluster) RemoveDir(ctx context.Context, remoteDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, remoteDir)
	return nil
}

func (c *fakeCluster) RunCommand(ctx context.Context, command string) (string, error) {
	return "", nil
}

// passRetrier runs the operation once with no breaker.
type passRetrier struct{}

func (passRetrier) Do(ctx context.Context, class string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestMachine(t *testing.T, store *fakeBeamStore, pool *fakePool, cluster *fakeCluster) (*Machine, *model.Beam) {
	t.Helper()
	beamDir := filepath.Join(t.TempDir(), "beam_0")
	require.NoError(t, os.MkdirAll(beamDir, 0o755))

	settings := Settings{
		RemoteCaseRoot:    "/scratch/cases",
		ResultFileName:    "output.raw",
		ResultsDir:        t.TempDir(),
		PythonInterpreter: "python3",
		InterpreterScript: "interpreter.py",
		ConverterScript:   "converter.py",
		JobPollInterval:   time.Millisecond,
		JobTimeout:        time.Second,
	}
	runner := &fakeRunner{produce: []string{"dose_1.csv"}}
	m := NewMachine(store, pool, runner, cluster, nil, settings, passRetrier{}, passRetrier{}, passRetrier{})
	beam := &model.Beam{ID: "c1_beam_0", CaseID: "c1", Path: beamDir, Status: model.BeamInitial}
	return m, beam
}

func TestRunHappyPathVisitsEveryPhaseInOrder(t *testing.T) {
	store := &fakeBeamStore{}
	pool := &fakePool{}
	cluster := &fakeCluster{pollPlan: []remote.JobState{remote.JobRunning, remote.JobSucceeded}}
	m, beam := newTestMachine(t, store, pool, cluster)

	require.NoError(t, m.Run(context.Background(), beam))

	assert.Equal(t, []model.BeamStatus{
		model.BeamInitial,
		model.BeamPreprocessing,
		model.BeamUploading,
		model.BeamExecuting,
		model.BeamDownloading,
		model.BeamPostprocessing,
		model.BeamCompleted,
	}, store.statuses)

	for _, step := range store.steps {
		assert.Equal(t, model.StepCompleted, step.Outcome)
	}
	assert.Equal(t, model.PhasePreprocessing, store.steps[0].Phase)
	assert.Contains(t, store.steps[0].Detail, "1 artifact")
	assert.Equal(t, model.PhaseCompleted, store.steps[len(store.steps)-1].Phase)

	assert.Equal(t, "4242", store.jobID)
	assert.Equal(t, []string{"gpu-0"}, pool.released)

	// Remote staging is scoped per case, then per beam.
	assert.Equal(t, []string{"/scratch/cases/c1/beam_0"}, cluster.uploaded)
	assert.Equal(t, []string{"/scratch/cases/c1/beam_0"}, cluster.removed)

	// The result file landed under results/<case>/<beam>.
	result := filepath.Join(m.settings.ResultsDir, "c1", "beam_0", "output.raw")
	assert.FileExists(t, result)
}

func TestRunRendersSimulationInput(t *testing.T) {
	store := &fakeBeamStore{}
	cluster := &fakeCluster{pollPlan: []remote.JobState{remote.JobSucceeded}}
	m, beam := newTestMachine(t, store, &fakePool{}, cluster)

	require.NoError(t, m.Run(context.Background(), beam))

	data, err := os.ReadFile(filepath.Join(beam.Path, "moqui_tps.in"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "OutputFileName output.raw")
	assert.Contains(t, string(data), "BeamDir beam_0")
}

func TestRunFailsBeamWhenUploadFails(t *testing.T) {
	store := &fakeBeamStore{}
	pool := &fakePool{}
	cluster := &fakeCluster{uploadErr: mqierr.Retryable("upload", errors.New("link down"))}
	m, beam := newTestMachine(t, store, pool, cluster)

	err := m.Run(context.Background(), beam)
	require.Error(t, err)

	var wfErr *mqierr.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, "file_upload", wfErr.Phase)

	assert.Equal(t, model.BeamFailed, store.statuses[len(store.statuses)-1])
	assert.Contains(t, store.detail, "link down")

	// The failing phase's step is followed by the terminal record.
	require.GreaterOrEqual(t, len(store.steps), 2)
	uploadStep := store.steps[len(store.steps)-2]
	assert.Equal(t, model.PhaseFileUpload, uploadStep.Phase)
	assert.Equal(t, model.StepFailed, uploadStep.Outcome)
	last := store.steps[len(store.steps)-1]
	assert.Equal(t, model.PhaseFailed, last.Phase)
	assert.Equal(t, model.StepFailed, last.Outcome)

	// Upload failed before any GPU was claimed.
	assert.Zero(t, pool.acquired)
	assert.Empty(t, pool.released)
}

func TestPreprocessingFailsWhenNoArtifactsGenerated(t *testing.T) {
	store := &fakeBeamStore{}
	pool := &fakePool{}
	cluster := &fakeCluster{pollPlan: []remote.JobState{remote.JobSucceeded}}
	m, beam := newTestMachine(t, store, pool, cluster)

	// Interpreter exits cleanly but writes nothing into the beam directory.
	m.local = &fakeRunner{}

	err := m.Run(context.Background(), beam)
	require.Error(t, err)
	assert.True(t, mqierr.IsValidation(err))

	var wfErr *mqierr.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, "preprocessing", wfErr.Phase)

	assert.Equal(t, model.BeamFailed, store.statuses[len(store.statuses)-1])
	assert.Contains(t, store.detail, "no artifact files")

	// Nothing was uploaded and no GPU was touched.
	assert.Empty(t, cluster.uploaded)
	assert.Zero(t, pool.acquired)
}

func TestRunReleasesGPUWhenJobFails(t *testing.T) {
	store := &fakeBeamStore{}
	pool := &fakePool{}
	cluster := &fakeCluster{pollPlan: []remote.JobState{remote.JobFailed}}
	m, beam := newTestMachine(t, store, pool, cluster)

	err := m.Run(context.Background(), beam)
	require.Error(t, err)

	assert.Equal(t, 1, pool.acquired)
	assert.Equal(t, []string{"gpu-0"}, pool.released)
	assert.Nil(t, store.resource)
	assert.Equal(t, model.BeamFailed, store.statuses[len(store.statuses)-1])
}

func TestRunFailsBeamWhenPoolSaturated(t *testing.T) {
	store := &fakeBeamStore{}
	pool := &fakePool{fail: &mqierr.ResourceError{BeamID: "c1_beam_0", Waited: time.Second}}
	cluster := &fakeCluster{pollPlan: []remote.JobState{remote.JobSucceeded}}
	m, beam := newTestMachine(t, store, pool, cluster)

	err := m.Run(context.Background(), beam)
	require.Error(t, err)
	assert.True(t, mqierr.IsResource(err))
	assert.Equal(t, model.BeamFailed, store.statuses[len(store.statuses)-1])
}

func TestRunPublishesTerminalEvent(t *testing.T) {
	store := &fakeBeamStore{}
	cluster := &fakeCluster{pollPlan: []remote.JobState{remote.JobSucceeded}}
	m, beam := newTestMachine(t, store, &fakePool{}, cluster)

	bus := events.NewBus(10)
	defer bus.Close()
	m.bus = bus

	received := make(chan events.Event, 1)
	bus.Subscribe(events.EventBeamTerminal, func(e events.Event) { received <- e })

	require.NoError(t, m.Run(context.Background(), beam))

	select {
	case e := <-received:
		assert.Equal(t, "c1", e.CaseID)
		assert.Equal(t, "completed", e.Status)
	case <-time.After(time.Second):
		t.Fatal("terminal event not published")
	}
}

type countingCluster struct {
	fakeCluster
	uploadAttempts int
}

func (c *countingCluster) Upload(ctx context.Context, localDir, remoteDir string) error {
	c.uploadAttempts++
	return mqierr.Retryable("upload", errors.New("connection reset"))
}

func TestUploadExhaustsRetriesThenFailsBeam(t *testing.T) {
	store := &fakeBeamStore{}
	cluster := &countingCluster{}
	m, beam := newTestMachine(t, store, &fakePool{}, &cluster.fakeCluster)
	m.cluster = cluster

	policy := resilience.NewPolicy(3, time.Millisecond, time.Millisecond, resilience.StrategyFixed, nil)
	m.transfer = policy

	err := m.Run(context.Background(), beam)
	require.Error(t, err)
	assert.Equal(t, 3, cluster.uploadAttempts)
	assert.Equal(t, model.BeamFailed, store.statuses[len(store.statuses)-1])
}

type flakyPollCluster struct {
	fakeCluster
	pollAttempts int
	failures     int
}

func (c *flakyPollCluster) PollJob(ctx context.Context, jobID, remoteDir string) (remote.JobState, error) {
	c.pollAttempts++
	if c.pollAttempts <= c.failures {
		return remote.JobRunning, mqierr.Retryable("job poll", errors.New("connection reset"))
	}
	return remote.JobSucceeded, nil
}

func TestJobPollRetriesTransientErrors(t *testing.T) {
	store := &fakeBeamStore{}
	cluster := &flakyPollCluster{failures: 2}
	m, beam := newTestMachine(t, store, &fakePool{}, &cluster.fakeCluster)
	m.cluster = cluster
	m.poll = resilience.NewPolicy(3, time.Millisecond, time.Millisecond, resilience.StrategyFixed, nil)

	// Two dropped links during polling must not be mistaken for a dead job.
	require.NoError(t, m.Run(context.Background(), beam))
	assert.Equal(t, 3, cluster.pollAttempts)
	assert.Equal(t, model.BeamCompleted, store.statuses[len(store.statuses)-1])
}

func TestInterpreterFailureIsFatal(t *testing.T) {
	store := &fakeBeamStore{}
	cluster := &fakeCluster{pollPlan: []remote.JobState{remote.JobSucceeded}}
	m, beam := newTestMachine(t, store, &fakePool{}, cluster)

	runner := &fakeRunner{results: map[string]executor.Result{
		"interpreter.py": {Success: false, ExitCode: 2, Stderr: "bad plan file"},
	}}
	m.local = runner

	err := m.Run(context.Background(), beam)
	require.Error(t, err)
	assert.True(t, mqierr.IsValidation(err))
	assert.Equal(t, model.BeamFailed, store.statuses[len(store.statuses)-1])
}
