package remote

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/mqilab/beamline/internal/mqierr"
)

// SSHExecutor implements Executor over SSH. Each operation dials a fresh
// connection and closes it when done, so a dropped link never poisons later
// calls; the retry layer re-invokes the whole operation.
type SSHExecutor struct {
	settings Settings

	// dial is swapped in tests.
	dial func() (*ssh.Client, error)
}

func NewSSHExecutor(settings Settings) (*SSHExecutor, error) {
	key, err := os.ReadFile(settings.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read SSH key")
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse SSH key")
	}

	cfg := &ssh.ClientConfig{
		User:            settings.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         settings.ConnectTimeout,
	}
	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)

	return &SSHExecutor{
		settings: settings,
		dial: func() (*ssh.Client, error) {
			return ssh.Dial("tcp", addr, cfg)
		},
	}, nil
}

func (e *SSHExecutor) connect() (*ssh.Client, error) {
	client, err := e.dial()
	if err != nil {
		return nil, mqierr.Retryable("ssh dial", err)
	}
	return client, nil
}

// run executes command in one SSH session and returns its combined output and
// exit status. A nonzero exit means the command ran to completion and failed;
// session or transport problems come back as a retryable error with exit -1.
func (e *SSHExecutor) run(client *ssh.Client, command string) (string, int, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", -1, mqierr.Retryable("ssh session", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(command)
	code, err := classifyRunError(err)
	return string(out), code, err
}

// classifyRunError separates a command exit status from a broken session. Only
// ssh.ExitError proves the remote command actually finished; anything else is
// a transport fault worth retrying.
func classifyRunError(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, mqierr.Retryable("ssh exec", err)
}

func (e *SSHExecutor) RunCommand(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	client, err := e.connect()
	if err != nil {
		return "", err
	}
	defer client.Close()

	out, code, err := e.run(client, command)
	if err != nil {
		return out, err
	}
	if code != 0 {
		return out, errors.Errorf("remote command exited %d: %s", code, strings.TrimSpace(out))
	}
	return out, nil
}

func (e *SSHExecutor) Upload(ctx context.Context, localDir, remoteDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := e.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return mqierr.Retryable("sftp open", err)
	}
	defer sc.Close()

	log.WithFields(log.Fields{"local": localDir, "remote": remoteDir}).Info("Uploading beam directory")

	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		target := path.Join(remoteDir, filepath.ToSlash(rel))
		if d.IsDir() {
			if err := sc.MkdirAll(target); err != nil {
				return mqierr.Retryable("sftp mkdir", err)
			}
			return nil
		}
		if err := uploadFile(sc, p, target); err != nil {
			return mqierr.Retryable("sftp put", err)
		}
		return nil
	})
}

func uploadFile(sc *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := sc.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (e *SSHExecutor) Download(ctx context.Context, remoteDir, fileName, localDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := e.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return mqierr.Retryable("sftp open", err)
	}
	defer sc.Close()

	src, err := sc.Open(path.Join(remoteDir, fileName))
	if err != nil {
		return mqierr.Retryable("sftp get", err)
	}
	defer src.Close()

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return err
	}
	dst, err := os.Create(filepath.Join(localDir, fileName))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return mqierr.Retryable("sftp get", err)
	}
	return dst.Close()
}

// SubmitJob launches the simulation detached and returns the remote PID as
// the job identifier.
func (e *SSHExecutor) SubmitJob(ctx context.Context, remoteDir, resourceName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	client, err := e.connect()
	if err != nil {
		return "", err
	}
	defer client.Close()

	command := fmt.Sprintf(
		"cd %s && CUDA_VISIBLE_DEVICES=%s nohup %s > simulation.log 2>&1 & echo $!",
		shellQuote(remoteDir), shellQuote(resourceName), e.settings.SimulationCommand,
	)
	out, code, err := e.run(client, command)
	if err != nil {
		return "", errors.Wrapf(err, "job submit, output: %s", strings.TrimSpace(out))
	}
	if code != 0 {
		return "", mqierr.Retryable("job submit",
			errors.Errorf("launch command exited %d: %s", code, strings.TrimSpace(out)))
	}

	pid := strings.TrimSpace(out)
	if pid == "" {
		return "", errors.New("job submission returned no PID")
	}
	log.WithFields(log.Fields{"remote_dir": remoteDir, "job_id": pid}).Info("Submitted simulation job")
	return pid, nil
}

// PollJob checks whether the PID is still alive; once it has exited the
// presence of the result file decides success.
func (e *SSHExecutor) PollJob(ctx context.Context, jobID, remoteDir string) (JobState, error) {
	if err := ctx.Err(); err != nil {
		return JobFailed, err
	}
	client, err := e.connect()
	if err != nil {
		return JobFailed, err
	}
	defer client.Close()

	_, alive, err := e.run(client, fmt.Sprintf("kill -0 %s 2>/dev/null", shellQuote(jobID)))
	if err != nil {
		// A dropped session says nothing about the job; let the poll policy retry.
		return JobRunning, err
	}
	if alive == 0 {
		return JobRunning, nil
	}

	resultPath := path.Join(remoteDir, e.settings.ResultFileName)
	_, present, err := e.run(client, fmt.Sprintf("test -f %s", shellQuote(resultPath)))
	if err != nil {
		return JobRunning, err
	}
	if present != 0 {
		return JobFailed, nil
	}
	return JobSucceeded, nil
}

func (e *SSHExecutor) RemoveDir(ctx context.Context, remoteDir string) error {
	_, err := e.RunCommand(ctx, fmt.Sprintf("rm -rf %s", shellQuote(remoteDir)))
	return err
}

// shellQuote single-quotes s for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
