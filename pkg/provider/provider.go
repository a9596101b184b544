// Package provider defines the cloud operations flows are built from. Calls
// start work at the provider and return; convergence is observed by polling.
package provider

import (
	"context"
)

// Cluster statuses reported to the business entity.
const (
	StatusAvailable        = "AVAILABLE"
	StatusUpdateInProgress = "UPDATE_IN_PROGRESS"
	StatusUpdateFailed     = "UPDATE_FAILED"
)

// Database statuses.
const (
	DatabaseAvailable = "available"
	DatabaseStarting  = "starting"
	DatabaseStopped   = "stopped"
	DatabaseFailed    = "failed"
)

// Cluster is the provider view of a managed cluster.
type Cluster struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	Status         string            `json:"status"`
	StatusReason   string            `json:"status_reason,omitempty"`
	Instances      int               `json:"instances"`
	RunningCount   int               `json:"running"`
	RuntimeVersion string            `json:"runtime_version"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Provider is the cloud side of the flows. Lookups of resources that were
// just created may fail with a not-found-yet flow error.
type Provider interface {
	// GetCluster returns the cluster.
	GetCluster(ctx context.Context, clusterID string) (*Cluster, error)

	// AddInstances requests count additional instances.
	AddInstances(ctx context.Context, clusterID string, count int) error

	// ValidateInstances checks the new instances are healthy.
	ValidateInstances(ctx context.Context, clusterID string) error

	// Bootstrap prepares new instances to join the cluster.
	Bootstrap(ctx context.Context, clusterID string) error

	// CollectMetadata returns host metadata of the cluster instances.
	CollectMetadata(ctx context.Context, clusterID string) (map[string]string, error)

	// Install installs the cluster services on new instances.
	Install(ctx context.Context, clusterID string) error

	// RegisterClusterProxy registers the new instances with the cluster proxy.
	RegisterClusterProxy(ctx context.Context, clusterID string) error

	// UpgradeRuntime starts a runtime upgrade to version.
	UpgradeRuntime(ctx context.Context, clusterID, version string) error

	// UpdateClusterStatus records the business status of the cluster.
	UpdateClusterStatus(ctx context.Context, clusterID, status, reason string) error

	// StartDatabase issues a start request for a stopped database.
	StartDatabase(ctx context.Context, databaseID string) error

	// DatabaseStatus returns the provider status of a database.
	DatabaseStatus(ctx context.Context, databaseID string) (string, error)
}
