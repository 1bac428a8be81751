package installer

import (
	"bytes"
	"context"
	_ "crypto/sha256" // registers the scratch directory and digest hashes
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
)

// PackageFetcher produces a local compressed archive for a package
// identifier. Implemented by the external package-archive fetcher; faked in
// tests.
type PackageFetcher interface {
	// Pack materializes the package archive inside workDir and returns its
	// path.
	Pack(ctx context.Context, pkg, workDir string) (string, error)
}

// ImageClient copies container images to a local scratch area and queries
// their content digests.
type ImageClient interface {
	// LayerArchive returns the path of the image's first layer archive,
	// copying the image locally at most once per run.
	LayerArchive(ctx context.Context, image string) (string, error)
	// Digest returns the image's content digest, hex part only.
	Digest(ctx context.Context, image string) (string, error)
}

// NPMFetcher invokes `npm pack` to produce a package archive.
type NPMFetcher struct{}

// Pack runs `npm pack` with workDir as working directory. The tool prints the
// produced archive filename on its last stdout line.
func (NPMFetcher) Pack(ctx context.Context, pkg, workDir string) (string, error) {
	log.Info().Str("package", pkg).Msg("grabbing package archive through 'npm pack'")

	cmd := exec.CommandContext(ctx, "npm", "pack", pkg)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf(
			"error while fetching plugin %s with 'npm pack': %s: %w",
			pkg, strings.TrimSpace(stderr.String()), err,
		)
	}

	name := archiveNameFromOutput(stdout.String())
	if name == "" {
		return "", fmt.Errorf("'npm pack' produced no archive name for %s", pkg)
	}

	return filepath.Join(workDir, name), nil
}

// archiveNameFromOutput extracts the archive filename from `npm pack` stdout,
// which prints it on the last line. Earlier lines may carry lifecycle script
// chatter.
func archiveNameFromOutput(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// imageScheme is the scheme prefix the image copier expects in place of the
// manifest's oci:// prefix.
const imageScheme = "docker://"

// SkopeoClient copies and inspects container images through the skopeo
// binary. Copies are cached per image for the lifetime of the client, even
// when multiple plugin paths are drawn from the same image.
type SkopeoClient struct {
	bin     string
	scratch string
	layers  map[string]string
}

// NewSkopeoClient resolves the skopeo binary and creates a per-run scratch
// directory for image copies.
func NewSkopeoClient() (*SkopeoClient, error) {
	bin, err := exec.LookPath("skopeo")
	if err != nil {
		return nil, fmt.Errorf("skopeo executable not found in PATH: %w", err)
	}

	scratch := filepath.Join(os.TempDir(), "dynplugins-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}

	return &SkopeoClient{bin: bin, scratch: scratch, layers: make(map[string]string)}, nil
}

// Close removes the scratch directory and every cached image copy.
func (c *SkopeoClient) Close() error {
	return os.RemoveAll(c.scratch)
}

// LayerArchive copies the image to the scratch area on first use and returns
// the path of its first layer archive.
func (c *SkopeoClient) LayerArchive(ctx context.Context, image string) (string, error) {
	if path, ok := c.layers[image]; ok {
		return path, nil
	}

	log.Info().Str("image", image).Msg("copying image to local filesystem")

	localDir := filepath.Join(c.scratch, digest.FromString(image).Encoded())
	if _, err := c.run(ctx, "copy", translateScheme(image), "dir:"+localDir); err != nil {
		return "", err
	}

	manifestData, err := os.ReadFile(filepath.Join(localDir, "manifest.json"))
	if err != nil {
		return "", fmt.Errorf("reading image manifest for %s: %w", image, err)
	}
	var m ocispec.Manifest
	if err := json.Unmarshal(manifestData, &m); err != nil {
		return "", fmt.Errorf("parsing image manifest for %s: %w", image, err)
	}
	if len(m.Layers) == 0 {
		return "", fmt.Errorf("image %s has no layers", image)
	}

	path := filepath.Join(localDir, m.Layers[0].Digest.Encoded())
	c.layers[image] = path

	return path, nil
}

// Digest queries the image's content digest remotely.
func (c *SkopeoClient) Digest(ctx context.Context, image string) (string, error) {
	out, err := c.run(ctx, "inspect", translateScheme(image))
	if err != nil {
		return "", err
	}

	var inspect struct {
		Digest digest.Digest `json:"Digest"`
	}
	if err := json.Unmarshal(out, &inspect); err != nil {
		return "", fmt.Errorf("parsing inspect output for %s: %w", image, err)
	}
	if err := inspect.Digest.Validate(); err != nil {
		return "", fmt.Errorf("image %s digest: %w", image, err)
	}

	return inspect.Digest.Encoded(), nil
}

// run invokes skopeo and surfaces its stderr on failure.
func (c *SkopeoClient) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf(
			"error while running skopeo %s: %s: %w",
			args[0], strings.TrimSpace(stderr.String()), err,
		)
	}

	return stdout.Bytes(), nil
}

// translateScheme rewrites the manifest's image scheme to the copier's.
func translateScheme(image string) string {
	if after, ok := strings.CutPrefix(image, "oci://"); ok {
		return imageScheme + after
	}

	return image
}
