// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package relation

// Binding names the tracking server integrates with.
const (
	Database       = "database"
	ObjectStorage  = "object-storage"
	Ingress        = "ingress"
	ServiceMesh    = "service-mesh"
	Secrets        = "secrets"
	DashboardLinks = "dashboard-links"
	Metrics        = "metrics"
)

// Binding kinds. Bindings of the same kind may supply the same settings.
const (
	KindDatabase      = "database"
	KindObjectStorage = "object-storage"
	KindIngress       = "ingress"
	KindSecrets       = "secrets"
	KindDashboard     = "dashboard"
	KindMetrics       = "metrics"
)

// Declaration describes a binding known before any payload arrives.
type Declaration struct {
	Name     string
	Kind     string
	Required bool
}

// Declarations lists the bindings of the tracking server in the order in which
// unmet requirements are reported.
var Declarations = []Declaration{
	{Name: Database, Kind: KindDatabase, Required: true},
	{Name: ObjectStorage, Kind: KindObjectStorage, Required: true},
	{Name: Ingress, Kind: KindIngress},
	{Name: ServiceMesh, Kind: KindIngress},
	{Name: Secrets, Kind: KindSecrets},
	{Name: DashboardLinks, Kind: KindDashboard},
	{Name: Metrics, Kind: KindMetrics},
}

// NewDeclaredStore returns a store with all Declarations registered.
func NewDeclaredStore() *Store {
	s := NewStore()
	for _, d := range Declarations {
		s.Declare(d.Name, d.Kind, d.Required)
	}
	return s
}

// IsDeclared returns true if name is one of the Declarations.
func IsDeclared(name string) bool {
	for _, d := range Declarations {
		if d.Name == name {
			return true
		}
	}
	return false
}
