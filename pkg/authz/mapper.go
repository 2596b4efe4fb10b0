package authz

import (
	"net/http"
	"strings"
)

// ResourceMapping maps an HTTP request to a resource and verb for authorization.
type ResourceMapping struct {
	Resource string
	Verb     string
}

// UnknownMapping is returned when no known pattern matches the request.
// Callers should deny requests with this mapping by default.
var UnknownMapping = ResourceMapping{Resource: "", Verb: ""}

// MapRequest maps an HTTP method and URL path under /api/v1 to a
// ResourceMapping.
func MapRequest(method, path string) ResourceMapping {
	path = strings.TrimRight(path, "/")
	path = strings.TrimPrefix(path, "/api/v1")
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return UnknownMapping
	}

	switch parts[0] {
	case "batches":
		return mapBatchRoute(method, parts[1:])
	case "farms":
		return mapCollection(ResourceFarms, method, len(parts) > 1)
	case "jobs":
		if method == http.MethodPost && len(parts) == 2 && strings.HasSuffix(parts[1], ":cancel") {
			return ResourceMapping{Resource: ResourceJobs, Verb: VerbCreate}
		}
		return mapCollection(ResourceJobs, method, len(parts) > 1)
	case "audit":
		if method != http.MethodGet {
			return UnknownMapping
		}
		if len(parts) > 2 {
			return ResourceMapping{Resource: ResourceAudit, Verb: VerbGet}
		}
		return ResourceMapping{Resource: ResourceAudit, Verb: VerbList}
	}
	return UnknownMapping
}

// mapBatchRoute handles /batches and everything below it. rest excludes
// the leading "batches" segment.
func mapBatchRoute(method string, rest []string) ResourceMapping {
	if len(rest) <= 1 {
		return mapCollection(ResourceBatches, method, len(rest) == 1)
	}
	if len(rest) != 2 {
		return UnknownMapping
	}

	switch rest[1] {
	case "transfer", "reject":
		if method == http.MethodPost {
			return ResourceMapping{Resource: ResourceBatches, Verb: VerbUpdate}
		}
	case "readings":
		switch method {
		case http.MethodPost:
			return ResourceMapping{Resource: ResourceReadings, Verb: VerbCreate}
		case http.MethodGet:
			return ResourceMapping{Resource: ResourceReadings, Verb: VerbList}
		}
	case "finalize":
		if method == http.MethodPost {
			return ResourceMapping{Resource: ResourceIntegrity, Verb: VerbExecute}
		}
	case "proof":
		if method == http.MethodGet {
			return ResourceMapping{Resource: ResourceIntegrity, Verb: VerbGet}
		}
	case "anchor":
		switch method {
		case http.MethodGet:
			return ResourceMapping{Resource: ResourceIntegrity, Verb: VerbGet}
		case http.MethodPost:
			return ResourceMapping{Resource: ResourceIntegrity, Verb: VerbExecute}
		}
	case "analysis":
		if method == http.MethodPost {
			return ResourceMapping{Resource: ResourceAnalysis, Verb: VerbExecute}
		}
	case "history":
		if method == http.MethodGet {
			return ResourceMapping{Resource: ResourceAudit, Verb: VerbList}
		}
	}
	return UnknownMapping
}

// mapCollection handles plain REST collections: GET list, POST create,
// GET/PUT/DELETE on a member.
func mapCollection(resource, method string, member bool) ResourceMapping {
	switch method {
	case http.MethodGet:
		if member {
			return ResourceMapping{Resource: resource, Verb: VerbGet}
		}
		return ResourceMapping{Resource: resource, Verb: VerbList}
	case http.MethodPost:
		if !member {
			return ResourceMapping{Resource: resource, Verb: VerbCreate}
		}
	case http.MethodPut, http.MethodPatch:
		if member {
			return ResourceMapping{Resource: resource, Verb: VerbUpdate}
		}
	case http.MethodDelete:
		if member {
			return ResourceMapping{Resource: resource, Verb: VerbDelete}
		}
	}
	return UnknownMapping
}
