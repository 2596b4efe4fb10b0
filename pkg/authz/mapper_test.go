package authz

import (
	"net/http"
	"testing"
)

func TestMapRequest(t *testing.T) {
	tests := []struct {
		name         string
		method       string
		path         string
		wantResource string
		wantVerb     string
	}{
		// Batches
		{"list batches", http.MethodGet, "/api/v1/batches", ResourceBatches, VerbList},
		{"create batch", http.MethodPost, "/api/v1/batches", ResourceBatches, VerbCreate},
		{"get batch", http.MethodGet, "/api/v1/batches/B1", ResourceBatches, VerbGet},
		{"delete batch", http.MethodDelete, "/api/v1/batches/B1", ResourceBatches, VerbDelete},
		{"transfer batch", http.MethodPost, "/api/v1/batches/B1/transfer", ResourceBatches, VerbUpdate},
		{"reject batch", http.MethodPost, "/api/v1/batches/B1/reject", ResourceBatches, VerbUpdate},
		{"trailing slash", http.MethodGet, "/api/v1/batches/", ResourceBatches, VerbList},

		// Readings
		{"add reading", http.MethodPost, "/api/v1/batches/B1/readings", ResourceReadings, VerbCreate},
		{"list readings", http.MethodGet, "/api/v1/batches/B1/readings", ResourceReadings, VerbList},

		// Integrity
		{"finalize", http.MethodPost, "/api/v1/batches/B1/finalize", ResourceIntegrity, VerbExecute},
		{"proof", http.MethodGet, "/api/v1/batches/B1/proof", ResourceIntegrity, VerbGet},
		{"anchor payload", http.MethodGet, "/api/v1/batches/B1/anchor", ResourceIntegrity, VerbGet},
		{"record anchor", http.MethodPost, "/api/v1/batches/B1/anchor", ResourceIntegrity, VerbExecute},

		// Analysis and history
		{"analyze", http.MethodPost, "/api/v1/batches/B1/analysis", ResourceAnalysis, VerbExecute},
		{"history", http.MethodGet, "/api/v1/batches/B1/history", ResourceAudit, VerbList},

		// Farms
		{"list farms", http.MethodGet, "/api/v1/farms", ResourceFarms, VerbList},
		{"create farm", http.MethodPost, "/api/v1/farms", ResourceFarms, VerbCreate},

		// Jobs
		{"list jobs", http.MethodGet, "/api/v1/jobs", ResourceJobs, VerbList},
		{"get job", http.MethodGet, "/api/v1/jobs/j1", ResourceJobs, VerbGet},
		{"cancel job", http.MethodPost, "/api/v1/jobs/j1:cancel", ResourceJobs, VerbCreate},

		// Audit
		{"list audit events", http.MethodGet, "/api/v1/audit/events", ResourceAudit, VerbList},
		{"get audit event", http.MethodGet, "/api/v1/audit/events/e1", ResourceAudit, VerbGet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapRequest(tt.method, tt.path)
			if got.Resource != tt.wantResource {
				t.Errorf("Resource = %q, want %q", got.Resource, tt.wantResource)
			}
			if got.Verb != tt.wantVerb {
				t.Errorf("Verb = %q, want %q", got.Verb, tt.wantVerb)
			}
		})
	}
}

func TestMapRequestUnknown(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"root", http.MethodGet, "/api/v1"},
		{"unknown collection", http.MethodGet, "/api/v1/widgets"},
		{"post on batch member", http.MethodPost, "/api/v1/batches/B1"},
		{"get transfer", http.MethodGet, "/api/v1/batches/B1/transfer"},
		{"unknown subresource", http.MethodGet, "/api/v1/batches/B1/unknown"},
		{"too deep", http.MethodGet, "/api/v1/batches/B1/readings/7"},
		{"delete audit", http.MethodDelete, "/api/v1/audit/events/e1"},
		{"delete farms collection", http.MethodDelete, "/api/v1/farms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MapRequest(tt.method, tt.path); got != UnknownMapping {
				t.Errorf("MapRequest(%s, %s) = %+v, want UnknownMapping", tt.method, tt.path, got)
			}
		})
	}
}
