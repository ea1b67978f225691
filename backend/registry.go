package backend

import (
	"fmt"
	"sort"
	"sync"
)

// BackendConstructor is a function that creates a new remote instance
type BackendConstructor func(config ConnectorConfig) (RemoteManager, error)

// Registry holds registered backend constructors
type Registry struct {
	mu                 sync.RWMutex
	schemeConstructors map[string]BackendConstructor
}

var globalRegistry = &Registry{
	schemeConstructors: make(map[string]BackendConstructor),
}

// RegisterScheme registers a backend constructor for a URL scheme
func RegisterScheme(scheme string, constructor BackendConstructor) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.schemeConstructors[scheme] = constructor
}

// GetSchemeConstructor returns the constructor for a URL scheme
func GetSchemeConstructor(scheme string) (BackendConstructor, error) {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	constructor, ok := globalRegistry.schemeConstructors[scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported URL scheme: %s", scheme)
	}
	return constructor, nil
}

// RegisteredSchemes lists the schemes with a constructor, sorted.
func RegisteredSchemes() []string {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	schemes := make([]string, 0, len(globalRegistry.schemeConstructors))
	for s := range globalRegistry.schemeConstructors {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}
