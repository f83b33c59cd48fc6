// Package deployment keeps interface deployment state in sync with the
// deployment.* events pushed by the gateway.
package deployment

import (
	"context"
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusBuilding  Status = "BUILDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Deployment is the typed view of a stored deployment document. Documents may
// carry fields beyond these; they are kept by the store but not exposed here.
type Deployment struct {
	ID           string         `json:"id"`
	InterfaceID  string         `json:"interface_id,omitempty"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	Status       Status         `json:"status,omitempty"`
	URL          string         `json:"url,omitempty"`
	CommitSHA    string         `json:"commit_sha,omitempty"`
	Meta         map[string]any `json:"meta_data,omitempty"`
	CreatedAt    string         `json:"date_creation,omitempty"`
	UpdatedAt    string         `json:"last_modified,omitempty"`
}

// Decode builds the typed view of a document.
func Decode(fields map[string]any) (Deployment, error) {
	var d Deployment
	data, err := json.Marshal(fields)
	if err != nil {
		return d, fmt.Errorf("failed to encode deployment document: %w", err)
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("failed to decode deployment document: %w", err)
	}
	return d, nil
}

// Patch is a partial deployment document taken from an event payload.
type Patch struct {
	ID          string
	InterfaceID string // Empty when the event did not say which interface owns the deployment
	Fields      map[string]any
}

// SearchAllInterfaces reports whether the owning interface must be found by
// looking the deployment up across every interface.
func (p Patch) SearchAllInterfaces() bool {
	return p.InterfaceID == ""
}

// Status returns the status carried by the patch, if any.
func (p Patch) Status() Status {
	s, _ := p.Fields["status"].(string)
	return Status(s)
}

// Store holds deployments grouped by interface.
type Store interface {
	// Add inserts or replaces a deployment under p.InterfaceID.
	Add(ctx context.Context, p Patch) error
	// Update merges p into the deployment under p.InterfaceID, creating it
	// if absent. Fields in p replace stored ones, except that nested objects
	// such as meta_data are merged key by key and a null field removes the
	// stored one.
	Update(ctx context.Context, p Patch) error
	// UpdateAnywhere merges p, as Update does, into the deployment with p.ID
	// in whichever interface holds it. It reports false when no interface does.
	UpdateAnywhere(ctx context.Context, p Patch) (bool, error)
	// Delete removes the deployment with id from any interface.
	Delete(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (Deployment, bool, error)
	ByInterface(ctx context.Context, interfaceID string) ([]Deployment, error)
}

// Notifier raises user-facing notices.
type Notifier interface {
	DeploymentCompleted(ctx context.Context, d Deployment)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, d Deployment)

func (f NotifierFunc) DeploymentCompleted(ctx context.Context, d Deployment) {
	f(ctx, d)
}
