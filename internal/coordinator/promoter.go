package coordinator

import (
	"context"
	"fmt"

	"github.com/dreamware/docfed/internal/cluster"
)

// PromoteResponse is the reply of a node's POST /api/cluster/promote.
type PromoteResponse struct {
	Success  bool         `json:"success"`
	Term     uint64       `json:"term"`
	Role     cluster.Role `json:"role"`
	LeaderID string       `json:"leaderId,omitempty"`
}

// Promoter carries out a leader assignment on the chosen database node.
type Promoter interface {
	// Promote asks the node at nodeURL to take leadership of its cluster.
	Promote(ctx context.Context, nodeURL string) error
	// PushRegistry sends the full registry so the node's mirror is current
	// before it serves as cluster leader.
	PushRegistry(ctx context.Context, nodeURL string, snap Snapshot) error
}

// HTTPPromoter drives promotion through the node's cluster API.
type HTTPPromoter struct {
	client *cluster.Client
}

// NewHTTPPromoter returns a promoter using client for both calls.
//
// Example:
//
//	promoter := coordinator.NewHTTPPromoter(cluster.NewClient(2 * time.Second))
func NewHTTPPromoter(client *cluster.Client) *HTTPPromoter {
	return &HTTPPromoter{client: client}
}

// Promote asks the node to campaign for cluster leadership.
func (p *HTTPPromoter) Promote(ctx context.Context, nodeURL string) error {
	var resp PromoteResponse
	if err := p.client.PostJSON(ctx, nodeURL+"/api/cluster/promote", struct{}{}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("node %s declined promotion", nodeURL)
	}
	return nil
}

// PushRegistry sends the full registry to the node.
func (p *HTTPPromoter) PushRegistry(ctx context.Context, nodeURL string, snap Snapshot) error {
	return p.client.PostJSON(ctx, nodeURL+"/api/cluster/register", snap, nil)
}
