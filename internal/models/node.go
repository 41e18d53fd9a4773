// Package models defines the data structures shared by the tracker engine:
// repository transactions, ACL change sets, nodes and their metadata,
// tracker floors, and dictionary models.
package models

// NodeStatus describes what happened to a node within a transaction.
type NodeStatus string

const (
	NodeUpdated         NodeStatus = "UPDATED"
	NodeDeleted         NodeStatus = "DELETED"
	NodeUnknown         NodeStatus = "UNKNOWN"
	NodeNonShardUpdated NodeStatus = "NON_SHARD_UPDATED"
	NodeNonShardDeleted NodeStatus = "NON_SHARD_DELETED"
)

// IsDelete reports whether the status removes the node's document.
func (s NodeStatus) IsDelete() bool {
	return s == NodeDeleted || s == NodeNonShardDeleted
}

// Transaction is a monotonic-id batch of node metadata changes.
type Transaction struct {
	ID           int64 `json:"id"`
	CommitTimeMs int64 `json:"commit_time_ms"`
	NodeCount    int   `json:"node_count"`
}

// Node is a single node reference as reported inside a transaction.
type Node struct {
	DbID    int64      `json:"db_id"`
	NodeRef string     `json:"node_ref"`
	Status  NodeStatus `json:"status"`
	TxnID   int64      `json:"txn_id"`
	ShardID int        `json:"shard_id,omitempty"` // derived by the shard router
}

// PathEntry is one primary or secondary path of a node.
type PathEntry struct {
	Path  string `json:"path"`
	QName string `json:"qname,omitempty"`
}

// ContentDescriptor describes the content stream attached to a node.
type ContentDescriptor struct {
	ContentID int64  `json:"content_id"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	Locale    string `json:"locale,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
}

// NodeMetadata is the authoritative snapshot of a node for a transaction.
// Trackers always replace the indexed document with it; it is never diffed.
type NodeMetadata struct {
	Node       Node               `json:"node"`
	AclID      int64              `json:"acl_id"`
	Type       string             `json:"type,omitempty"`
	Properties map[string]any     `json:"properties"`
	Paths      []PathEntry        `json:"paths"`
	Ancestors  []string           `json:"ancestors"`
	Content    *ContentDescriptor `json:"content,omitempty"`
}

// CascadeTxn returns the cascade marker value, or 0 when the node carries none.
func (m *NodeMetadata) CascadeTxn() int64 {
	if m == nil || m.Properties == nil {
		return 0
	}
	return toInt64(m.Properties[PropCascadeTx])
}

// NodePaths is the path-only projection of a node used for cascading.
type NodePaths struct {
	DbID      int64       `json:"db_id"`
	NodeRef   string      `json:"node_ref"`
	Paths     []PathEntry `json:"paths"`
	Ancestors []string    `json:"ancestors"`
}

// DisplayPath returns the first path, which is the one shown to users.
func (p *NodePaths) DisplayPath() string {
	if p == nil || len(p.Paths) == 0 {
		return ""
	}
	return p.Paths[0].Path
}

// Content is an extracted text body for a node.
type Content struct {
	DbID     int64  `json:"db_id"`
	Text     string `json:"text"`
	Checksum string `json:"checksum,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// PropCascadeTx is the node property that marks a transaction as cascading.
const PropCascadeTx = "{http://www.alfresco.org/model/content/1.0}cascadeTx"

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		var out int64
		for _, c := range n {
			if c < '0' || c > '9' {
				return 0
			}
			out = out*10 + int64(c-'0')
		}
		return out
	default:
		return 0
	}
}
