package transport

import (
	"fmt"
	"sort"
	"sync"
)

// TransportFactory creates a Transport instance.
type TransportFactory func() (Transport, error)

var transportRegistry = sync.Map{} // map[string]TransportFactory

func init() {
	RegisterTransport("tcp", func() (Transport, error) {
		return NewTCPTransport(), nil
	})
	RegisterTransport("gnet", func() (Transport, error) {
		return NewGnetTransport(), nil
	})
}

// RegisterTransport makes a transport available to NewTransport under name.
// Registering an existing name replaces it.
func RegisterTransport(name string, factory TransportFactory) {
	transportRegistry.Store(name, factory)
}

// NewTransport creates the transport registered under name.
func NewTransport(name string) (Transport, error) {
	factory, ok := transportRegistry.Load(name)
	if !ok {
		return nil, fmt.Errorf("unsupported transport %q (available: %v)", name, ListAvailableTransports())
	}
	return factory.(TransportFactory)()
}

// ListAvailableTransports returns the registered transport names, sorted.
func ListAvailableTransports() []string {
	var names []string
	transportRegistry.Range(func(key, value interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}
