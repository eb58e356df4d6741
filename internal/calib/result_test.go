package calib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microcal/pkg/geometry"
)

func TestResultKeepsInsertionOrder(t *testing.T) {
	r := NewResult()
	r.Set("b", 2.0)
	r.Set("a", 1.0)
	r.Set("b", 3.0) // refinement keeps position

	dir := t.TempDir()
	require.NoError(t, r.WriteReport(dir, "h1"))

	data, err := os.ReadFile(filepath.Join(dir, "calibration.txt"))
	require.NoError(t, err)
	assert.Equal(t, "[h1]\nb = 3\na = 1\n", string(data))
}

func TestResultSplitsVectors(t *testing.T) {
	r := NewResult()
	r.Set("stage_trans", geometry.Point2D{X: 2.5e-5, Y: -1.2e-5})

	dir := t.TempDir()
	require.NoError(t, r.WriteReport(dir, "h2"))

	data, err := os.ReadFile(filepath.Join(dir, "calibration.txt"))
	require.NoError(t, err)
	assert.Equal(t, "[h2]\nstage_trans_x = 2.5e-05\nstage_trans_y = -1.2e-05\n", string(data))
}
