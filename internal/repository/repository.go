// Package repository defines the client contract for the source content
// repository and its implementations: an HTTP client, a retrying wrapper,
// and an in-process repository.
package repository

import (
	"context"
	"errors"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

// ErrNotFound is returned when the repository has no record of an entity.
var ErrNotFound = errors.New("not found")

// RepositoryClient is the read-only view of the repository the trackers poll.
type RepositoryClient interface {
	// GetTransactions returns transactions with id > sinceID in ascending id order.
	GetTransactions(ctx context.Context, sinceID int64, maxResults int) ([]models.Transaction, error)
	// GetAclChangeSets returns change sets with id > sinceID in ascending id order.
	GetAclChangeSets(ctx context.Context, sinceID int64, maxResults int) ([]models.AclChangeSet, error)
	// GetNodes returns the nodes changed by a transaction.
	GetNodes(ctx context.Context, txnID int64) ([]models.Node, error)
	// GetNodeMetadata returns the current metadata of a node, or ErrNotFound.
	GetNodeMetadata(ctx context.Context, dbID int64) (*models.NodeMetadata, error)
	// GetNodePaths returns the current paths of the given nodes. Unknown ids are omitted.
	GetNodePaths(ctx context.Context, dbIDs []int64) ([]models.NodePaths, error)
	// GetUncleanContentDocs pages through nodes whose extracted text is stale.
	GetUncleanContentDocs(ctx context.Context, offset, limit int) ([]models.Node, error)
	// GetContent returns the extracted text of a node, or ErrNotFound.
	GetContent(ctx context.Context, dbID int64) (*models.Content, error)
	// GetAcls returns every ACL carried by a change set.
	GetAcls(ctx context.Context, changeSetID int64) ([]models.Acl, error)
	// GetModelsDiff compares the known model checksums with the repository's models.
	GetModelsDiff(ctx context.Context, known []models.ModelChecksum) ([]models.ModelDiff, error)
	// GetModel returns a model definition, or ErrNotFound.
	GetModel(ctx context.Context, name string) (*models.Model, error)
}

// TransactionsResponse is the body of GET /api/v1/transactions.
type TransactionsResponse struct {
	Transactions []models.Transaction `json:"transactions"`
}

// AclChangeSetsResponse is the body of GET /api/v1/aclchangesets.
type AclChangeSetsResponse struct {
	ChangeSets []models.AclChangeSet `json:"acl_change_sets"`
}

// NodesResponse is the body of node listing endpoints.
type NodesResponse struct {
	Nodes []models.Node `json:"nodes"`
}

// NodePathsRequest asks for the current paths of a set of nodes.
type NodePathsRequest struct {
	DbIDs []int64 `json:"db_ids"`
}

// NodePathsResponse is the body of POST /api/v1/nodes/paths.
type NodePathsResponse struct {
	Paths []models.NodePaths `json:"paths"`
}

// AclsResponse is the body of GET /api/v1/aclchangesets/{id}/acls.
type AclsResponse struct {
	Acls []models.Acl `json:"acls"`
}

// ModelsDiffRequest carries the locally known model checksums.
type ModelsDiffRequest struct {
	Models []models.ModelChecksum `json:"models"`
}

// ModelsDiffResponse is the body of POST /api/v1/models/diff.
type ModelsDiffResponse struct {
	Diffs []models.ModelDiff `json:"diffs"`
}

// ErrorResponse is the JSON error body returned by the repository.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
