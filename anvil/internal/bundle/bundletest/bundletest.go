// Package bundletest creates artifact bundles for tests.
package bundletest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"anvil.build/anvil/internal/bundle"
	"anvil.build/anvil/internal/cache"
	"anvil.build/anvil/internal/packager"
)

// Options controls the shape of a generated bundle.
type Options struct {
	// Script is the executable's shell script body. Defaults to a
	// program that prints a version line and exits 0.
	Script string

	// BuildRoot is the directory prefix recorded in the metadata,
	// simulating the location the bundle was originally built in.
	BuildRoot string

	// ExecOptions is recorded as the bundle's defaultExecOptions.
	ExecOptions bundle.ExecOptions
}

// Store packs a bundle containing a shell-script executable and stores
// it in the cache under hash. It returns the packed archive bytes.
func Store(t *testing.T, c *cache.Cache, hash string, opts Options) []byte {
	t.Helper()

	script := opts.Script
	if script == "" {
		script = "#!/bin/sh\necho 'anvil-test 1.0.0'\n"
	}
	buildRoot := opts.BuildRoot
	if buildRoot == "" {
		buildRoot = "/build/out"
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app"), []byte(script), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.c"), []byte("int main(){}\n"), 0o644))

	meta := bundle.Metadata{
		BuildRoot:          buildRoot,
		Executable:         filepath.Join(buildRoot, "app"),
		InputFilename:      filepath.Join(buildRoot, "input.c"),
		DefaultExecOptions: opts.ExecOptions,
	}
	raw, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, bundle.MetadataFileName), raw, 0o644))

	archive := filepath.Join(t.TempDir(), hash+packager.Extension)
	require.NoError(t, packager.New().Pack(dir, archive))

	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), hash, data))
	return data
}
