package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const hostIDFileName = ".host_id"

// HostID gets the host id from its cache file or derives a new one from the
// machine id. The id stays stable across restarts so worker names do too.
func HostID(cacheDir string) (string, error) {
	cachePath := filepath.Join(cacheDir, hostIDFileName)

	if data, err := os.ReadFile(cachePath); err == nil {
		id := strings.TrimSpace(string(data))
		if len(id) == 64 { // SHA256 hex is 64 chars
			return id, nil
		}
	}

	id := generateHostID()

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.WriteFile(cachePath, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to cache host id: %w", err)
	}
	return id, nil
}

func generateHostID() string {
	var identifiers []string
	if machineID := machineID(); machineID != "" {
		identifiers = append(identifiers, "machine:"+machineID)
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		identifiers = append(identifiers, "host:"+hostname)
	}
	// Containers often share a machine id; a random component keeps two
	// of them on one jobs volume apart.
	identifiers = append(identifiers, "nonce:"+uuid.New().String())

	hash := sha256.Sum256([]byte(strings.Join(identifiers, "|")))
	return hex.EncodeToString(hash[:])
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

// WorkerID names the n-th worker of this process.
func WorkerID(hostname, hostID string, n int) string {
	short := hostID
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s-%s-%d-%d", hostname, short, os.Getpid(), n)
}
