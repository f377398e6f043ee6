package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lcpu-dev/labsched/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const labYAML = `
_rev: 3-abc
primary_machine: shell
machines:
  shell:
    type: lxd
    base: debian-template
    autostart: true
`

func TestReadLab(t *testing.T) {
	file := filepath.Join(t.TempDir(), "intro-linux.yaml")
	require.NoError(t, os.WriteFile(file, []byte(labYAML), 0o644))

	lab, err := readLab(file, "")
	require.NoError(t, err)
	assert.Equal(t, "intro-linux", lab.ID)
	assert.Empty(t, lab.Rev)
	assert.Equal(t, models.MachineLXD, lab.Machines["shell"].Type)
	assert.True(t, lab.Machines["shell"].Autostart)
	require.NoError(t, lab.Validate())

	lab, err = readLab(file, "custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", lab.ID)

	require.NoError(t, os.WriteFile(file, []byte("machines: ["), 0o644))
	_, err = readLab(file, "")
	assert.Error(t, err)
}
