package store

import "fmt"

// Resource names the entity kind for a namespaced key.
type Resource string

const (
	ResourceAgent     Resource = "agents"
	ResourceProject   Resource = "projects"
	ResourceClaim     Resource = "claims"
	ResourceReview    Resource = "reviews"
	ResourceProposal  Resource = "proposals"
	ResourceLedger    Resource = "ledger"
	ResourceEvent     Resource = "events"
	ResourceAudit     Resource = "audit"
	ResourceEpoch     Resource = "epoch"
)

// WorkspaceKey constructs a fully qualified key for a workspace-scoped
// resource. Format: orchestrator:workspaces:{workspaceID}:{resource}:{id}
func WorkspaceKey(workspaceID string, resource Resource, id string) string {
	return fmt.Sprintf("orchestrator:workspaces:%s:%s:%s", workspaceID, resource, id)
}

// WorkspacePrefix constructs a scan-prefix for a workspace-scoped resource.
func WorkspacePrefix(workspaceID string, resource Resource) string {
	return fmt.Sprintf("orchestrator:workspaces:%s:%s:", workspaceID, resource)
}
