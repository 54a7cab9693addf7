// Package bundle retrieves cached artifact bundles and materializes
// them into per-request working directories.
//
// A bundle was built in a different filesystem location than where it
// runs, so every recorded path must be relocated under the working
// directory before execution. Relocation is an explicit transform here,
// not a string-prefix trick buried in the metadata parser.
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"anvil.build/anvil/internal/cache"
	"anvil.build/anvil/internal/packager"
)

// MetadataFileName is the fixed name of the metadata record inside an
// unpacked bundle.
const MetadataFileName = "bundle.json"

// ErrBadMetadata indicates the bundle exists in the cache but its
// metadata record is missing or unparseable. Distinct from
// cache.ErrNotFound.
var ErrBadMetadata = errors.New("cache package is unusable")

var metricFetchSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "anvil_bundle_fetch_seconds",
		Help:    "Latency of artifact download plus unpack.",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(metricFetchSeconds)
}

// ExecOptions carries the execution defaults recorded by the build
// pipeline.
type ExecOptions struct {
	// Path is a PATH hint appended (never prepended) to caller-provided
	// PATH entries.
	Path []string `json:"path,omitempty"`

	// PreparedLdPaths are library search paths prepared at build time.
	PreparedLdPaths []string `json:"preparedLdPaths,omitempty"`

	// CustomCwd overrides the working directory the executable runs in.
	CustomCwd string `json:"customCwd,omitempty"`

	// AppHome is exported to the subprocess as its home directory.
	AppHome string `json:"appHome,omitempty"`
}

// Metadata is the parsed bundle.json record plus per-fetch annotations.
type Metadata struct {
	BuildRoot          string      `json:"buildRoot"`
	Executable         string      `json:"executable"`
	InputFilename      string      `json:"inputFilename"`
	DefaultExecOptions ExecOptions `json:"defaultExecOptions"`

	// WorkDir is the directory the bundle was unpacked into.
	WorkDir string `json:"-"`

	// FetchDuration is the observed download+unpack latency. Advisory
	// only; never used in control flow.
	FetchDuration time.Duration `json:"-"`
}

// Relocate rewrites all recorded paths so they are rooted under
// workDir. Paths recorded under BuildRoot keep their relative layout;
// already-relative paths are joined directly.
func Relocate(meta *Metadata, workDir string) {
	meta.Executable = relocatePath(meta.BuildRoot, workDir, meta.Executable)
	meta.InputFilename = relocatePath(meta.BuildRoot, workDir, meta.InputFilename)
	for i, p := range meta.DefaultExecOptions.PreparedLdPaths {
		meta.DefaultExecOptions.PreparedLdPaths[i] = relocatePath(meta.BuildRoot, workDir, p)
	}
	if meta.DefaultExecOptions.CustomCwd != "" {
		meta.DefaultExecOptions.CustomCwd = relocatePath(meta.BuildRoot, workDir, meta.DefaultExecOptions.CustomCwd)
	}
	if meta.DefaultExecOptions.AppHome != "" {
		meta.DefaultExecOptions.AppHome = relocatePath(meta.BuildRoot, workDir, meta.DefaultExecOptions.AppHome)
	}
	meta.BuildRoot = workDir
	meta.WorkDir = workDir
}

func relocatePath(buildRoot, workDir, path string) string {
	if path == "" {
		return ""
	}
	if buildRoot != "" {
		if rel, err := filepath.Rel(buildRoot, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.Join(workDir, rel)
		}
	}
	if filepath.IsAbs(path) {
		// Recorded outside the build root; leave it alone.
		return path
	}
	return filepath.Join(workDir, path)
}

// Fetcher retrieves bundles from the artifact cache and unpacks them.
type Fetcher struct {
	cache    *cache.Cache
	packager *packager.Packager
}

// NewFetcher creates a Fetcher over the given cache and packager.
func NewFetcher(c *cache.Cache, p *packager.Packager) *Fetcher {
	return &Fetcher{cache: c, packager: p}
}

// FetchAndUnpack looks up hash in the cache, unpacks the bundle into
// workDir, parses its metadata record, and relocates recorded paths
// under workDir. A cache miss surfaces as cache.ErrNotFound; a present
// but unusable bundle surfaces as ErrBadMetadata.
func (f *Fetcher) FetchAndUnpack(ctx context.Context, hash, workDir string) (*Metadata, error) {
	start := time.Now()

	data, err := f.cache.Get(ctx, hash)
	if err != nil {
		return nil, err
	}

	archivePath := filepath.Join(workDir, hash+packager.Extension)
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write bundle archive: %w", err)
	}
	if err := f.packager.Unpack(archivePath, workDir); err != nil {
		return nil, fmt.Errorf("%w: unpack failed: %v", ErrBadMetadata, err)
	}

	raw, err := os.ReadFile(filepath.Join(workDir, MetadataFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: missing %s: %v", ErrBadMetadata, MetadataFileName, err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: malformed %s: %v", ErrBadMetadata, MetadataFileName, err)
	}
	if meta.Executable == "" {
		return nil, fmt.Errorf("%w: metadata names no executable", ErrBadMetadata)
	}

	Relocate(&meta, workDir)

	meta.FetchDuration = time.Since(start)
	metricFetchSeconds.Observe(meta.FetchDuration.Seconds())
	return &meta, nil
}
