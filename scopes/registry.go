// Package scopes maps broker service identifiers to the Google API permission
// scopes each service requires. The mapping is fixed configuration: adding a
// service is a deploy-time change, never a runtime mutation.
package scopes

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownService indicates a lookup for a service that is not registered.
var ErrUnknownService = errors.New("unknown service")

// Registry is an immutable service → scope table. The zero value is empty;
// construct with New or Default. A Registry is safe for concurrent use.
type Registry struct {
	services map[string][]string
}

// New creates a Registry from the given table. Both the map and the scope
// slices are copied so later mutation of the input cannot leak into the
// registry.
func New(table map[string][]string) *Registry {
	services := make(map[string][]string, len(table))
	for name, scopeList := range table {
		services[name] = append([]string(nil), scopeList...)
	}
	return &Registry{services: services}
}

// Default returns the registry of Google services the broker supports out of
// the box.
func Default() *Registry {
	return New(map[string][]string{
		"gmail": {
			"https://www.googleapis.com/auth/gmail.send",
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/gmail.modify",
		},
		"drive": {
			"https://www.googleapis.com/auth/drive.file",
			"https://www.googleapis.com/auth/drive.readonly",
		},
		"calendar": {
			"https://www.googleapis.com/auth/calendar",
			"https://www.googleapis.com/auth/calendar.events",
		},
		"meet": {
			"https://www.googleapis.com/auth/calendar.events",
			"https://www.googleapis.com/auth/meetings.space.created",
		},
		"sheets": {
			"https://www.googleapis.com/auth/spreadsheets",
			"https://www.googleapis.com/auth/spreadsheets.readonly",
		},
	})
}

// ScopesFor returns the ordered scope list for a service. The returned slice
// is a copy; callers may modify it freely.
func (r *Registry) ScopesFor(service string) ([]string, error) {
	scopeList, ok := r.services[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return append([]string(nil), scopeList...), nil
}

// Has reports whether a service is registered.
func (r *Registry) Has(service string) bool {
	_, ok := r.services[service]
	return ok
}

// Services returns the sorted names of all registered services.
func (r *Registry) Services() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
