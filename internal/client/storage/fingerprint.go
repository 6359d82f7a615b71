package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
)

// deviceFingerprint builds a coarse, stable identifier for this install:
// hostname, OS, architecture and the state directory path. It only has to
// be stable per device, not secret; the obfuscation keyed off it is a
// deterrent against casual inspection, not a security boundary.
func deviceFingerprint(stateDir string) string {
	hostname, _ := os.Hostname()
	parts := []string{hostname, runtime.GOOS, runtime.GOARCH, stateDir}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
