package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqilab/beamline/internal/model"
)

// Drives a whole case through the real dispatcher, workflow machine,
// allocator and aggregator, with only the cluster stubbed out.
func TestCaseFlowsEndToEnd(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.resources.Upsert([]model.Resource{
		{ID: "gpu-0", Name: "A100", MemoryTotalMB: 40960, MemoryFreeMB: 40960},
	}))

	root := filepath.Join(d.cfg.Scan.Directory, "case_e2e")
	for _, beam := range []string{"beam_0", "beam_1"} {
		dir := filepath.Join(root, beam)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		// Pre-generated interpreter output; no interpreter script is configured.
		require.NoError(t, os.WriteFile(filepath.Join(dir, "dose_1.csv"), []byte("x,y\n"), 0o644))
	}

	require.NoError(t, d.dispatcher.Dispatch(context.Background(), "case_e2e", root))

	c, err := d.cases.Get("case_e2e")
	require.NoError(t, err)
	assert.Equal(t, model.CaseCompleted, c.Status)

	beams, err := d.beams.ListByCase("case_e2e")
	require.NoError(t, err)
	require.Len(t, beams, 2)
	for _, b := range beams {
		assert.Equal(t, model.BeamCompleted, b.Status)
		assert.Nil(t, b.ResourceID)

		steps, err := d.beams.Steps(b.ID)
		require.NoError(t, err)
		var phases []model.Phase
		for _, s := range steps {
			assert.Equal(t, model.StepCompleted, s.Outcome)
			phases = append(phases, s.Phase)
		}
		assert.Equal(t, []model.Phase{
			model.PhasePreprocessing, model.PhaseFileUpload, model.PhaseHpcExecution,
			model.PhaseDownload, model.PhasePostprocessing, model.PhaseCompleted,
		}, phases)

		// The rendered simulation input landed in the beam directory.
		assert.FileExists(t, filepath.Join(b.Path, "moqui_tps.in"))
	}

	// The single GPU served both beams and is free again.
	gpu, err := d.resources.Get("gpu-0")
	require.NoError(t, err)
	assert.Equal(t, model.ResourceFree, gpu.Status)
	assert.Nil(t, gpu.AssignedBeamID)
}
