package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
)

// NetworkTransport is a Transport bound to a socket address.
type NetworkTransport interface {
	Transport
	Start() error
}

// BackendFactory creates a network transport.
type BackendFactory func(cfg Config, logger logging.Logger, reg *metrics.Registry) (NetworkTransport, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{}
)

// RegisterBackend makes a backend available to NewNetworkTransport.
func RegisterBackend(name string, f BackendFactory) {
	backendsMu.Lock()
	backends[name] = f
	backendsMu.Unlock()
}

// Backends lists the registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewNetworkTransport creates a transport for the named backend.
func NewNetworkTransport(backend string, cfg Config, logger logging.Logger, reg *metrics.Registry) (NetworkTransport, error) {
	backendsMu.RLock()
	f, ok := backends[backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport backend %q (available: %v)", backend, Backends())
	}
	return f(cfg, logger, reg)
}

func init() {
	RegisterBackend("nng", func(cfg Config, logger logging.Logger, reg *metrics.Registry) (NetworkTransport, error) {
		return NewNNGTransport(cfg, logger, reg)
	})
}
