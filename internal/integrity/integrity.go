// Package integrity parses and verifies archive integrity strings of the
// form <algorithm>-<base64 digest>.
package integrity

import (
	"bytes"

	// Register the hash implementations the recognized algorithms rely on.
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
)

// recognizedAlgorithms maps integrity algorithm names to their digest
// implementations. Only strong hash algorithms are accepted.
var recognizedAlgorithms = map[string]digest.Algorithm{
	"sha256": digest.SHA256,
	"sha384": digest.SHA384,
	"sha512": digest.SHA512,
}

// Parse splits an integrity string into its algorithm and decoded digest.
func Parse(integrity string) (digest.Algorithm, []byte, error) {
	parts := strings.Split(integrity, "-")
	if len(parts) != 2 {
		return "", nil, fmt.Errorf(
			"integrity %q must be a string of the form <algorithm>-<hash>", integrity,
		)
	}

	algo, ok := recognizedAlgorithms[parts[0]]
	if !ok {
		return "", nil, fmt.Errorf(
			"integrity algorithm %q is not supported, use one of sha256, sha384, sha512",
			parts[0],
		)
	}

	sum, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf(
			"integrity hash %q is not a valid base64 encoding: %w", parts[1], err,
		)
	}

	return algo, sum, nil
}

// VerifyFile computes the archive's digest with a streaming hash and compares
// it against the integrity string. A mismatch names both digests.
func VerifyFile(integrity, archive string) error {
	algo, expected, err := Parse(integrity)
	if err != nil {
		return err
	}

	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("opening archive for verification: %w", err)
	}
	defer f.Close()

	h := algo.Hash()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing archive: %w", err)
	}

	actual := h.Sum(nil)
	if !bytes.Equal(actual, expected) {
		return fmt.Errorf(
			"archive digest %s does not match the provided integrity hash %s",
			base64.StdEncoding.EncodeToString(actual),
			base64.StdEncoding.EncodeToString(expected),
		)
	}

	return nil
}
