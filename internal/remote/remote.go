// Package remote talks to the HPC cluster over SSH: it transfers beam
// directories with SFTP, launches simulation jobs, and polls them until the
// result file appears.
package remote

import (
	"context"
	"time"
)

// JobState is the observed state of a submitted simulation job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Executor is the cluster-facing surface the workflow engine uses. Tests
// substitute a fake; production wires the SSH implementation.
type Executor interface {
	// Upload copies the local directory tree to remoteDir, creating it.
	Upload(ctx context.Context, localDir, remoteDir string) error
	// Download copies the named file from remoteDir into localDir.
	Download(ctx context.Context, remoteDir, fileName, localDir string) error
	// SubmitJob starts the simulation in remoteDir pinned to the GPU named
	// by resourceName and returns an opaque job identifier.
	SubmitJob(ctx context.Context, remoteDir, resourceName string) (string, error)
	// PollJob reports the job's state. A finished job succeeded only if the
	// result file exists in remoteDir.
	PollJob(ctx context.Context, jobID, remoteDir string) (JobState, error)
	// RemoveDir deletes remoteDir and everything beneath it.
	RemoveDir(ctx context.Context, remoteDir string) error
	// RunCommand runs an arbitrary command and returns its combined output.
	RunCommand(ctx context.Context, command string) (string, error)
}

// Settings describes the SSH endpoint and job conventions.
type Settings struct {
	Host           string
	Port           int
	User           string
	KeyFile        string
	ConnectTimeout time.Duration
	// Command launched inside a beam's remote directory to run the
	// simulation, e.g. "moqui moqui_tps.in".
	SimulationCommand string
	// File the simulation writes on success, e.g. "output.raw".
	ResultFileName string
}
