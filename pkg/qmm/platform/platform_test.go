// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresets(t *testing.T) {
	for _, name := range Names() {
		p := MustPreset(name)
		require.NoError(t, p.Validate(), name)
		assert.Equal(t, name, p.Name)
	}
	p, err := Preset("Ascend910B")
	require.NoError(t, err)
	assert.Equal(t, 24, p.CoreNum)
	assert.Equal(t, 8, p.WithCores(8).CoreNum)
	assert.Equal(t, 24, p.CoreNum)
	_, err = Preset("gpu")
	require.Error(t, err)
	assert.Panics(t, func() { MustPreset("gpu") })
}

func TestParseYAML(t *testing.T) {
	p, err := ParseYAML([]byte("base: ascend910b\nname: custom\ncore_num: 20\n"))
	require.NoError(t, err)
	assert.Equal(t, "custom", p.Name)
	assert.Equal(t, 20, p.CoreNum)
	assert.Equal(t, 128*1024, p.L0CSize)

	_, err = ParseYAML([]byte("name: partial\ncore_num: 2\n"))
	require.Error(t, err)

	_, err = ParseYAML([]byte("core_num: [1"))
	require.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "p.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: file
core_num: 2
l1_size: 65536
l0a_size: 16384
l0b_size: 16384
l0c_size: 32768
ub_size: 32768
l2_size: 1048576
`), 0o644))
	p, err = Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, "file", p.Name)
	assert.Equal(t, 0, p.ReservedWorkspace)

	_, err = Resolve(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
