package crypto

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	HashSHA1    = "SHA-1"
	HashSHA3256 = "SHA3-256"
)

func SupportedBlobHash(alg string) bool {
	return alg == HashSHA1 || alg == HashSHA3256
}

// BlobHash returns the algorithm-tagged digest "<ALG>:<hex>" of blob.
func BlobHash(alg string, blob []byte) (string, error) {
	var sum []byte
	switch alg {
	case HashSHA1:
		s := sha1.Sum(blob)
		sum = s[:]
	case HashSHA3256:
		s := sha3.Sum256(blob)
		sum = s[:]
	default:
		return "", fmt.Errorf("unsupported blob hash %q", alg)
	}
	return alg + ":" + hex.EncodeToString(sum), nil
}

// CheckBlobHash recomputes tagged against blob using the algorithm named in
// the tag.
func CheckBlobHash(tagged string, blob []byte) error {
	alg, want, ok := strings.Cut(tagged, ":")
	if !ok || want == "" {
		return fmt.Errorf("%w: malformed hash %q", ErrBlobHashMismatch, tagged)
	}
	got, err := BlobHash(alg, blob)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlobHashMismatch, err)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(alg+":"+strings.ToLower(want))) != 1 {
		return ErrBlobHashMismatch
	}
	return nil
}
