package bundle_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"anvil.build/anvil/internal/bundle"
	"anvil.build/anvil/internal/bundle/bundletest"
	"anvil.build/anvil/internal/cache"
	"anvil.build/anvil/internal/packager"
)

func newFetcher(t *testing.T) (*bundle.Fetcher, *cache.Cache) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	c, err := cache.New(bucket, 0)
	require.NoError(t, err)
	return bundle.NewFetcher(c, packager.New()), c
}

func TestFetchAndUnpack(t *testing.T) {
	ctx := context.Background()
	fetcher, c := newFetcher(t)
	bundletest.Store(t, c, "abc123", bundletest.Options{
		BuildRoot: "/build/out",
		ExecOptions: bundle.ExecOptions{
			Path:            []string{"/opt/toolchain/bin"},
			PreparedLdPaths: []string{"/build/out/lib"},
		},
	})

	workDir := t.TempDir()
	meta, err := fetcher.FetchAndUnpack(ctx, "abc123", workDir)
	require.NoError(t, err)

	// All recorded paths must be rooted under the working directory.
	assert.Equal(t, filepath.Join(workDir, "app"), meta.Executable)
	assert.Equal(t, filepath.Join(workDir, "input.c"), meta.InputFilename)
	assert.Equal(t, []string{filepath.Join(workDir, "lib")}, meta.DefaultExecOptions.PreparedLdPaths)
	assert.Equal(t, workDir, meta.WorkDir)
	assert.Equal(t, []string{"/opt/toolchain/bin"}, meta.DefaultExecOptions.Path)
	assert.Greater(t, meta.FetchDuration.Nanoseconds(), int64(0))

	// The unpacked executable must exist at the relocated path.
	_, err = os.Stat(meta.Executable)
	assert.NoError(t, err)
}

func TestFetchMissIsDistinctFromBadMetadata(t *testing.T) {
	ctx := context.Background()
	fetcher, c := newFetcher(t)

	// Never stored: a miss, not a metadata failure.
	_, err := fetcher.FetchAndUnpack(ctx, "missing", t.TempDir())
	assert.True(t, errors.Is(err, cache.ErrNotFound))
	assert.False(t, errors.Is(err, bundle.ErrBadMetadata))

	// Stored but not a valid archive: unusable, not a miss.
	require.NoError(t, c.Put(ctx, "garbage", []byte("not an archive")))
	_, err = fetcher.FetchAndUnpack(ctx, "garbage", t.TempDir())
	assert.True(t, errors.Is(err, bundle.ErrBadMetadata))
	assert.False(t, errors.Is(err, cache.ErrNotFound))
}

func TestFetchRejectsBundleWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	fetcher, c := newFetcher(t)

	// Pack a directory with no bundle.json.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app"), []byte("#!/bin/sh\n"), 0o755))
	archive := filepath.Join(t.TempDir(), "bare"+packager.Extension)
	require.NoError(t, packager.New().Pack(dir, archive))
	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "bare", data))

	_, err = fetcher.FetchAndUnpack(ctx, "bare", t.TempDir())
	assert.True(t, errors.Is(err, bundle.ErrBadMetadata))
}

func TestRelocate(t *testing.T) {
	meta := bundle.Metadata{
		BuildRoot:     "/build/out",
		Executable:    "/build/out/bin/app",
		InputFilename: "input.c",
		DefaultExecOptions: bundle.ExecOptions{
			PreparedLdPaths: []string{"/build/out/lib", "/usr/lib"},
			CustomCwd:       "/build/out/run",
			AppHome:         "/build/out/home",
		},
	}
	bundle.Relocate(&meta, "/work/req1")

	assert.Equal(t, "/work/req1/bin/app", meta.Executable)
	assert.Equal(t, "/work/req1/input.c", meta.InputFilename, "relative paths join the workdir directly")
	assert.Equal(t, "/work/req1/lib", meta.DefaultExecOptions.PreparedLdPaths[0])
	assert.Equal(t, "/usr/lib", meta.DefaultExecOptions.PreparedLdPaths[1], "paths outside the build root are untouched")
	assert.Equal(t, "/work/req1/run", meta.DefaultExecOptions.CustomCwd)
	assert.Equal(t, "/work/req1/home", meta.DefaultExecOptions.AppHome)
	assert.Equal(t, "/work/req1", meta.BuildRoot)
}
