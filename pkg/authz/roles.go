package authz

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
)

// Policy maps role -> resource -> allowed verbs.
type Policy map[string]map[string]mapset.Set[string]

func verbs(v ...string) mapset.Set[string] { return mapset.NewSet(v...) }

// DefaultPolicy grants each supply-chain role what its step needs.
// Ownership (custodian) checks are enforced separately by the stores.
func DefaultPolicy() Policy {
	read := verbs(VerbGet, VerbList)
	return Policy{
		RoleFarmer: {
			ResourceBatches:   verbs(VerbGet, VerbList, VerbCreate, VerbUpdate, VerbDelete),
			ResourceReadings:  verbs(VerbGet, VerbList, VerbCreate),
			ResourceIntegrity: verbs(VerbGet, VerbExecute),
			ResourceAnalysis:  verbs(VerbExecute),
			ResourceFarms:     verbs(VerbGet, VerbList, VerbCreate),
			ResourceJobs:      verbs(VerbGet, VerbList, VerbCreate),
			ResourceAudit:     read,
		},
		RoleDistributor: {
			ResourceBatches:   verbs(VerbGet, VerbList, VerbUpdate, VerbDelete),
			ResourceReadings:  verbs(VerbGet, VerbList, VerbCreate),
			ResourceIntegrity: verbs(VerbGet, VerbExecute),
			ResourceJobs:      verbs(VerbGet, VerbList, VerbCreate),
			ResourceFarms:     read,
			ResourceAudit:     read,
		},
		RoleRetailer: {
			ResourceBatches:   verbs(VerbGet, VerbList, VerbUpdate),
			ResourceReadings:  read,
			ResourceIntegrity: verbs(VerbGet),
			ResourceFarms:     read,
			ResourceJobs:      read,
			ResourceAudit:     read,
		},
		RoleInspector: {
			ResourceBatches:   read,
			ResourceReadings:  read,
			ResourceIntegrity: verbs(VerbGet),
			ResourceAnalysis:  verbs(VerbExecute),
			ResourceFarms:     read,
			ResourceJobs:      read,
			ResourceAudit:     read,
		},
	}
}

// RoleAuthorizer authorizes requests against a static role policy. The
// admin role is allowed everything.
type RoleAuthorizer struct {
	policy Policy
}

// NewRoleAuthorizer creates a RoleAuthorizer. A nil policy uses DefaultPolicy.
func NewRoleAuthorizer(policy Policy) *RoleAuthorizer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &RoleAuthorizer{policy: policy}
}

// Authorize returns true if any of the caller's roles grants the verb.
func (a *RoleAuthorizer) Authorize(_ context.Context, req AuthzRequest) (bool, error) {
	for _, role := range req.Roles {
		if role == RoleAdmin {
			return true, nil
		}
		resources, ok := a.policy[role]
		if !ok {
			continue
		}
		if allowed, ok := resources[req.Resource]; ok && allowed.Contains(req.Verb) {
			return true, nil
		}
	}
	return false, nil
}
