package blocksparse

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// The pure-Go backend is always linked in as the fallback executor.
	_ "github.com/gomlx/gomlx/backends/simplego"
)

// Backend returns a backend suitable for compiling layouts and running the
// attention graphs. It first tries the process default (an accelerated
// backend when one is installed); when that fails it falls back to the
// pure-Go backend, which computes the same results without kernel support.
func Backend() (backends.Backend, error) {
	backend, err := backends.New()
	if err == nil {
		return backend, nil
	}
	klog.Warningf("default backend unavailable (%v), falling back to the pure-Go backend", err)

	backends.DefaultConfig = "go"
	backend, err = backends.New()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the pure-Go fallback backend")
	}
	return backend, nil
}
