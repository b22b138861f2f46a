// Package session keeps the recovery record of each debug session so that
// short-lived client invocations can rediscover the long-lived host that
// owns a paused target.
//
// A session is addressed by its identity, derived from the absolute target
// path and the working directory. Records live in a Store; every read runs a
// liveness check and purges records whose host is gone.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// IdentityPrefix starts every session identity.
const IdentityPrefix = "debug_"

// Identity derives the session identity for target run from cwd. A relative
// target is resolved against cwd.
func Identity(target, cwd string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("empty target")
	}
	absCwd, err := filepath.Abs(cwd)
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(absCwd, target)
	}
	target = filepath.Clean(target)

	sum := sha256.Sum256([]byte(target + "\x00" + absCwd))
	return IdentityPrefix + hex.EncodeToString(sum[:8]), nil
}

// SocketPath is where the host for identity listens.
func SocketPath(dir, identity string) string {
	return filepath.Join(dir, identity+".sock")
}

// LogPath is where the host for identity writes its log.
func LogPath(dir, identity string) string {
	return filepath.Join(dir, identity+".log")
}

func recordPath(dir, identity string) string {
	return filepath.Join(dir, identity+".json")
}
