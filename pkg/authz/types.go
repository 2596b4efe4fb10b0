// Package authz provides request identity and authorization primitives for
// the SpinachChain API. Identity comes from a verified JWT or, in
// development, from trusted headers; authorization is role based.
package authz

import "context"

// Resource names for permission mapping.
const (
	ResourceBatches   = "batches"
	ResourceReadings  = "readings"
	ResourceIntegrity = "integrity"
	ResourceAnalysis  = "analysis"
	ResourceFarms     = "farms"
	ResourceJobs      = "jobs"
	ResourceAudit     = "audit"
)

// Verb names for permission mapping.
const (
	VerbGet     = "get"
	VerbList    = "list"
	VerbCreate  = "create"
	VerbUpdate  = "update"
	VerbDelete  = "delete"
	VerbExecute = "execute"
)

// Roles a user account can hold.
const (
	RoleFarmer      = "farmer"
	RoleDistributor = "distributor"
	RoleRetailer    = "retailer"
	RoleInspector   = "inspector"
	RoleAdmin       = "admin"
)

// KnownRoles lists the assignable roles.
var KnownRoles = []string{RoleFarmer, RoleDistributor, RoleRetailer, RoleInspector, RoleAdmin}

// IsKnownRole reports whether role is assignable.
func IsKnownRole(role string) bool {
	for _, r := range KnownRoles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthzRequest represents an authorization check.
type AuthzRequest struct {
	User     string
	Roles    []string
	Resource string
	Verb     string
}

// Authorizer checks whether a user is authorized to perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthzRequest) (bool, error)
}
