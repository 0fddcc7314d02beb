package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

const checksumChunkSize = 64 * 1024

// SHA256File returns the lowercase hex SHA-256 digest of the file at path.
// The file is streamed in fixed-size chunks so large databases are never
// loaded into memory whole.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, checksumChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
