package stream

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// globalTmpRegistry tracks scratch files so they can be removed on shutdown
// even when their owner never got to close them.
var globalTmpRegistry = &tmpRegistry{}

type tmpRegistry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// RegisterTmp adds a temporary file path to the global registry.
func RegisterTmp(path string) {
	globalTmpRegistry.mu.Lock()
	defer globalTmpRegistry.mu.Unlock()
	if globalTmpRegistry.paths == nil {
		globalTmpRegistry.paths = make(map[string]struct{})
	}
	globalTmpRegistry.paths[path] = struct{}{}
}

// DeregisterTmp removes a temporary file path from the global registry.
func DeregisterTmp(path string) {
	globalTmpRegistry.mu.Lock()
	defer globalTmpRegistry.mu.Unlock()
	delete(globalTmpRegistry.paths, path)
}

// CleanupTmpFiles removes all registered temporary files.
func CleanupTmpFiles() {
	globalTmpRegistry.mu.Lock()
	paths := make([]string, 0, len(globalTmpRegistry.paths))
	for p := range globalTmpRegistry.paths {
		paths = append(paths, p)
	}
	globalTmpRegistry.paths = nil
	globalTmpRegistry.mu.Unlock()

	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// CleanupTmpFilesIn removes the registered temporary files inside dir and
// leaves the others registered.
func CleanupTmpFilesIn(dir string) {
	dir = filepath.Clean(dir) + string(filepath.Separator)

	globalTmpRegistry.mu.Lock()
	var paths []string
	for p := range globalTmpRegistry.paths {
		if strings.HasPrefix(p, dir) {
			paths = append(paths, p)
			delete(globalTmpRegistry.paths, p)
		}
	}
	globalTmpRegistry.mu.Unlock()

	for _, p := range paths {
		_ = os.Remove(p)
	}
}
