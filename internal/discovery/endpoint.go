// Package discovery models gateway endpoints and the sources that supply
// them. The client only consumes endpoint snapshots; it never drives the
// discovery mechanism itself.
package discovery

import (
	"fmt"
	"strings"
)

// Stable id prefixes distinguish how an endpoint entered the known set.
// Manually entered endpoints keep their identity across discovery refreshes
// and must never collide with discovered ones.
const (
	manualPrefix     = "manual:"
	discoveredPrefix = "gw:"
)

// Endpoint is an immutable description of one reachable gateway. A new
// discovery snapshot replaces the whole known set; identity is preserved by
// StableID only.
type Endpoint struct {
	Name               string
	Host               string
	Port               int
	StableID           string
	TLSEnabled         bool
	TLSFingerprintHint string
	Manual             bool
}

// Addr returns the host:port dial target.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Manual builds a user-entered endpoint. Its stable id is derived from the
// address so re-entering the same gateway reuses any pinned fingerprint.
func Manual(host string, port int, tlsEnabled bool) Endpoint {
	return Endpoint{
		Name:       fmt.Sprintf("%s:%d", host, port),
		Host:       host,
		Port:       port,
		StableID:   manualPrefix + strings.ToLower(host) + ":" + fmt.Sprint(port),
		TLSEnabled: tlsEnabled,
		Manual:     true,
	}
}

// Discovered builds an endpoint announced by a discovery responder. The
// instance name is the durable identity; hosts and ports may move between
// announcements.
func Discovered(instance, host string, port int, tlsEnabled bool, fingerprintHint string) Endpoint {
	return Endpoint{
		Name:               instance,
		Host:               host,
		Port:               port,
		StableID:           discoveredPrefix + strings.ToLower(instance),
		TLSEnabled:         tlsEnabled,
		TLSFingerprintHint: fingerprintHint,
	}
}

// IsManual reports whether the stable id marks a user-entered endpoint.
func IsManual(stableID string) bool {
	return strings.HasPrefix(stableID, manualPrefix)
}

// Source supplies snapshots of the currently known endpoints. Implementations
// own refresh cadence; callers treat each snapshot as a full replacement.
type Source interface {
	Endpoints() []Endpoint
}

// StaticSource is a Source over a fixed endpoint list, used for manual
// configuration and tests.
type StaticSource struct {
	eps []Endpoint
}

func NewStaticSource(eps ...Endpoint) *StaticSource {
	cp := make([]Endpoint, len(eps))
	copy(cp, eps)
	return &StaticSource{eps: cp}
}

func (s *StaticSource) Endpoints() []Endpoint {
	cp := make([]Endpoint, len(s.eps))
	copy(cp, s.eps)
	return cp
}
