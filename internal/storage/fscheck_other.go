//go:build !darwin && !linux

package storage

// Unknown platforms skip the network filesystem guard.
func detectFilesystemType(path string) (string, error) {
	return "local", nil
}
