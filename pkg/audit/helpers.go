package audit

import (
	"net/http"
	"strings"
)

// pathSegments splits a request path below the /api/v1 prefix.
// "/api/v1/batches/B1/transfer" yields ["batches", "B1", "transfer"].
func pathSegments(path string) []string {
	path = strings.Trim(path, "/")
	path = strings.TrimPrefix(path, "api/v1")
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// extractResourceType returns the top-level collection ("batches", "farms",
// "jobs", "auth").
func extractResourceType(path string) string {
	parts := pathSegments(path)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// extractBatchID returns the batch id for /batches/{batchId}/... paths.
func extractBatchID(path string) string {
	parts := pathSegments(path)
	if len(parts) >= 2 && parts[0] == "batches" {
		return parts[1]
	}
	return ""
}

// extractResourceIDs returns the ids found after a collection segment.
func extractResourceIDs(path string) []string {
	parts := pathSegments(path)
	var ids []string
	for i, p := range parts {
		switch p {
		case "batches", "farms", "jobs":
			if i+1 < len(parts) {
				id := parts[i+1]
				if colonIdx := strings.Index(id, ":"); colonIdx > 0 {
					id = id[:colonIdx]
				}
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// extractActionVerb returns a human-readable action name from the HTTP
// method and path.
func extractActionVerb(method, path string) string {
	parts := pathSegments(path)
	if n := len(parts); n > 0 {
		last := parts[n-1]
		if colonIdx := strings.Index(last, ":"); colonIdx > 0 {
			return last[colonIdx+1:]
		}
		if parts[0] == "batches" && n == 3 {
			switch last {
			case "transfer", "reject", "finalize", "anchor", "analysis":
				return last
			case "readings":
				if method == http.MethodPost {
					return "ingest"
				}
			}
		}
		if parts[0] == "auth" && n == 2 {
			return last
		}
	}

	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut:
		return "update"
	case http.MethodPatch:
		return "patch"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// isAuditedRequest returns true for mutating requests outside the health,
// metrics and authentication endpoints.
func isAuditedRequest(method, path string) bool {
	if isHealthEndpoint(path) {
		return false
	}
	if extractResourceType(path) == "auth" {
		return false
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// isHealthEndpoint returns true for health-check and scrape paths.
func isHealthEndpoint(path string) bool {
	switch path {
	case "/livez", "/readyz", "/healthz", "/metrics":
		return true
	}
	return false
}

// outcomeFromStatus maps HTTP status codes to audit outcomes.
func outcomeFromStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return OutcomeDenied
	default:
		return OutcomeFailure
	}
}
