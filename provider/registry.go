package provider

import (
	"fmt"

	"github.com/alphadose/haxmap"
)

// formats maps a wire-format id to the factory for its adapter. Adapter
// packages register themselves at init time; the orchestrator is agnostic to
// format beyond this lookup.
var formats = haxmap.New[string, Factory]()

// Register adds a factory under the given format id, replacing any previous
// registration for the same id.
func Register(format string, factory Factory) {
	formats.Set(format, factory)
}

// Lookup returns the factory registered for the format id.
func Lookup(format string) (Factory, bool) {
	return formats.Get(format)
}

// New builds an adapter for the format id, or fails if no adapter is
// registered for it.
func New(format string, cfg Config) (Provider, error) {
	factory, ok := formats.Get(format)
	if !ok {
		return nil, fmt.Errorf("no provider adapter registered for format %q", format)
	}
	return factory(cfg), nil
}

// Formats returns the registered format ids, for diagnostics.
func Formats() []string {
	ids := make([]string, 0, formats.Len())
	formats.ForEach(func(id string, _ Factory) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
