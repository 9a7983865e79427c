package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqilab/beamline/internal/model"
)

const sampleOutput = `GPU-8a5b, NVIDIA A100-SXM4-40GB, 40960, 39800
GPU-11c2, NVIDIA A100-SXM4-40GB, 40960, 12100
`

func TestParseDevices(t *testing.T) {
	devices, err := ParseDevices(sampleOutput)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "GPU-8a5b", devices[0].ID)
	assert.Equal(t, "NVIDIA A100-SXM4-40GB", devices[0].Name)
	assert.Equal(t, 40960, devices[0].MemoryTotalMB)
	assert.Equal(t, 39800, devices[0].MemoryFreeMB)
	assert.Equal(t, 12100, devices[1].MemoryFreeMB)
}

func TestParseDevicesRejectsGarbage(t *testing.T) {
	_, err := ParseDevices("command not found")
	require.Error(t, err)

	_, err = ParseDevices("GPU-1, A100, not-a-number, 10")
	require.Error(t, err)
}

type fakeRunner struct {
	out string
	err error
}

func (f *fakeRunner) RunCommand(ctx context.Context, command string) (string, error) {
	return f.out, f.err
}

type captureStore struct {
	got []model.Resource
}

func (s *captureStore) Upsert(resources []model.Resource) error {
	s.got = resources
	return nil
}

func TestSeedUpsertsDevices(t *testing.T) {
	store := &captureStore{}
	m := New(&fakeRunner{out: sampleOutput}, store, time.Minute)

	require.NoError(t, m.Seed(context.Background()))
	assert.Len(t, store.got, 2)
}

func TestSeedPropagatesTransportError(t *testing.T) {
	store := &captureStore{}
	m := New(&fakeRunner{err: errors.New("ssh: connect refused")}, store, time.Minute)

	require.Error(t, m.Seed(context.Background()))
	assert.Empty(t, store.got)
}
