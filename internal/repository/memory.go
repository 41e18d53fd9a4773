package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

// Memory is an in-process repository. It records transactions and change
// sets as they are committed and serves them through RepositoryClient.
type Memory struct {
	mu sync.RWMutex

	txns       []models.Transaction
	txnNodes   map[int64][]models.Node
	nodes      map[int64]*models.NodeMetadata
	changeSets []models.AclChangeSet
	acls       map[int64][]models.Acl
	content    map[int64]*models.Content
	unclean    map[int64]bool
	dict       map[string]*models.Model
	calls      map[string]int

	// Err can be set to make every method return an error
	Err error
	// NodeErrs fails GetNodeMetadata for individual nodes
	NodeErrs map[int64]error
	// ContentErrs fails GetContent for individual nodes
	ContentErrs map[int64]error
}

var _ RepositoryClient = (*Memory)(nil)

// NewMemory creates an empty in-process repository.
func NewMemory() *Memory {
	return &Memory{
		txnNodes:    make(map[int64][]models.Node),
		nodes:       make(map[int64]*models.NodeMetadata),
		acls:        make(map[int64][]models.Acl),
		content:     make(map[int64]*models.Content),
		unclean:     make(map[int64]bool),
		dict:        make(map[string]*models.Model),
		calls:       make(map[string]int),
		NodeErrs:    make(map[int64]error),
		ContentErrs: make(map[int64]error),
	}
}

// AddTransaction commits a transaction that updates and deletes nodes.
// Ids must be strictly increasing.
func (m *Memory) AddTransaction(id int64, updated []*models.NodeMetadata, deleted []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.txns); n > 0 && m.txns[n-1].ID >= id {
		return fmt.Errorf("transaction %d is not after %d", id, m.txns[n-1].ID)
	}

	var changed []models.Node
	for _, md := range updated {
		c := cloneMetadata(md)
		c.Node.TxnID = id
		c.Node.Status = models.NodeUpdated
		if c.Node.NodeRef == "" {
			c.Node.NodeRef = fmt.Sprintf("workspace://SpacesStore/node-%d", c.Node.DbID)
		}
		m.nodes[c.Node.DbID] = c
		if c.Content != nil {
			m.unclean[c.Node.DbID] = true
		}
		changed = append(changed, c.Node)
	}
	for _, dbID := range deleted {
		ref := fmt.Sprintf("workspace://SpacesStore/node-%d", dbID)
		if md, ok := m.nodes[dbID]; ok {
			ref = md.Node.NodeRef
		}
		delete(m.nodes, dbID)
		delete(m.unclean, dbID)
		delete(m.content, dbID)
		changed = append(changed, models.Node{DbID: dbID, NodeRef: ref, Status: models.NodeDeleted, TxnID: id})
	}

	m.txns = append(m.txns, models.Transaction{
		ID:           id,
		CommitTimeMs: time.Now().UnixMilli(),
		NodeCount:    len(changed),
	})
	m.txnNodes[id] = changed
	return nil
}

// AddAclChangeSet commits a change set carrying the given ACL versions.
// Ids must be strictly increasing.
func (m *Memory) AddAclChangeSet(id int64, acls ...models.Acl) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.changeSets); n > 0 && m.changeSets[n-1].ID >= id {
		return fmt.Errorf("acl change set %d is not after %d", id, m.changeSets[n-1].ID)
	}

	stored := make([]models.Acl, 0, len(acls))
	for _, a := range acls {
		a.ChangeSetID = id
		a.Readers = append([]string(nil), a.Readers...)
		a.Deniers = append([]string(nil), a.Deniers...)
		stored = append(stored, a)
	}
	m.changeSets = append(m.changeSets, models.AclChangeSet{
		ID:           id,
		CommitTimeMs: time.Now().UnixMilli(),
		AclCount:     len(stored),
	})
	m.acls[id] = stored
	return nil
}

// SetContent stores extracted text for a node and marks it unclean.
func (m *Memory) SetContent(dbID int64, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := sha256.Sum256([]byte(text))
	m.content[dbID] = &models.Content{
		DbID:     dbID,
		Text:     text,
		Checksum: hex.EncodeToString(sum[:]),
		MimeType: "text/plain",
	}
	m.unclean[dbID] = true
}

// MarkClean clears the unclean flag of a node.
func (m *Memory) MarkClean(dbID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.unclean, dbID)
}

// PutModel publishes a model definition.
func (m *Memory) PutModel(model *models.Model) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dict[model.Name] = model.Clone()
}

// RemoveModel withdraws a model definition.
func (m *Memory) RemoveModel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dict, name)
}

// Calls returns how many times an operation was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

func (m *Memory) record(op string) {
	m.calls[op]++
}

// GetTransactions returns transactions after sinceID.
func (m *Memory) GetTransactions(ctx context.Context, sinceID int64, maxResults int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetTransactions")
	if m.Err != nil {
		return nil, m.Err
	}

	var out []models.Transaction
	for _, t := range m.txns {
		if t.ID <= sinceID {
			continue
		}
		if len(out) >= maxResults {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// GetAclChangeSets returns change sets after sinceID.
func (m *Memory) GetAclChangeSets(ctx context.Context, sinceID int64, maxResults int) ([]models.AclChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetAclChangeSets")
	if m.Err != nil {
		return nil, m.Err
	}

	var out []models.AclChangeSet
	for _, cs := range m.changeSets {
		if cs.ID <= sinceID {
			continue
		}
		if len(out) >= maxResults {
			break
		}
		out = append(out, cs)
	}
	return out, nil
}

// GetNodes returns the nodes changed by a transaction.
func (m *Memory) GetNodes(ctx context.Context, txnID int64) ([]models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetNodes")
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]models.Node(nil), m.txnNodes[txnID]...), nil
}

// GetNodeMetadata returns the current metadata of a node.
func (m *Memory) GetNodeMetadata(ctx context.Context, dbID int64) (*models.NodeMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetNodeMetadata")
	if m.Err != nil {
		return nil, m.Err
	}
	if err := m.NodeErrs[dbID]; err != nil {
		return nil, err
	}
	md, ok := m.nodes[dbID]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", dbID, ErrNotFound)
	}
	return cloneMetadata(md), nil
}

// GetNodePaths returns the current paths of the given nodes.
func (m *Memory) GetNodePaths(ctx context.Context, dbIDs []int64) ([]models.NodePaths, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetNodePaths")
	if m.Err != nil {
		return nil, m.Err
	}

	out := make([]models.NodePaths, 0, len(dbIDs))
	for _, id := range dbIDs {
		md, ok := m.nodes[id]
		if !ok {
			continue
		}
		out = append(out, models.NodePaths{
			DbID:      id,
			NodeRef:   md.Node.NodeRef,
			Paths:     append([]models.PathEntry(nil), md.Paths...),
			Ancestors: append([]string(nil), md.Ancestors...),
		})
	}
	return out, nil
}

// GetUncleanContentDocs pages through unclean nodes in db id order.
func (m *Memory) GetUncleanContentDocs(ctx context.Context, offset, limit int) ([]models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetUncleanContentDocs")
	if m.Err != nil {
		return nil, m.Err
	}

	ids := make([]int64, 0, len(m.unclean))
	for id := range m.unclean {
		if _, ok := m.nodes[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]models.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.nodes[id].Node)
	}
	return out, nil
}

// GetContent returns the extracted text of a node.
func (m *Memory) GetContent(ctx context.Context, dbID int64) (*models.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetContent")
	if m.Err != nil {
		return nil, m.Err
	}
	if err := m.ContentErrs[dbID]; err != nil {
		return nil, err
	}
	c, ok := m.content[dbID]
	if !ok {
		return nil, fmt.Errorf("content %d: %w", dbID, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// GetAcls returns the ACLs of a change set.
func (m *Memory) GetAcls(ctx context.Context, changeSetID int64) ([]models.Acl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetAcls")
	if m.Err != nil {
		return nil, m.Err
	}

	out := make([]models.Acl, 0, len(m.acls[changeSetID]))
	for _, a := range m.acls[changeSetID] {
		a.Readers = append([]string(nil), a.Readers...)
		a.Deniers = append([]string(nil), a.Deniers...)
		out = append(out, a)
	}
	return out, nil
}

// GetModelsDiff compares known checksums with the published models.
func (m *Memory) GetModelsDiff(ctx context.Context, known []models.ModelChecksum) ([]models.ModelDiff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetModelsDiff")
	if m.Err != nil {
		return nil, m.Err
	}

	knownSums := make(map[string]string, len(known))
	for _, k := range known {
		knownSums[k.Name] = k.Checksum
	}

	var diffs []models.ModelDiff
	for name, model := range m.dict {
		sum := model.Checksum()
		prev, ok := knownSums[name]
		switch {
		case !ok:
			diffs = append(diffs, models.ModelDiff{Name: name, Kind: models.ModelNew, Checksum: sum})
		case prev != sum:
			diffs = append(diffs, models.ModelDiff{Name: name, Kind: models.ModelChanged, Checksum: sum})
		}
	}
	for name := range knownSums {
		if _, ok := m.dict[name]; !ok {
			diffs = append(diffs, models.ModelDiff{Name: name, Kind: models.ModelRemoved})
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Name < diffs[j].Name })
	return diffs, nil
}

// GetModel returns a published model.
func (m *Memory) GetModel(ctx context.Context, name string) (*models.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetModel")
	if m.Err != nil {
		return nil, m.Err
	}
	model, ok := m.dict[name]
	if !ok {
		return nil, fmt.Errorf("model %s: %w", name, ErrNotFound)
	}
	return model.Clone(), nil
}

func cloneMetadata(md *models.NodeMetadata) *models.NodeMetadata {
	c := *md
	if md.Properties != nil {
		c.Properties = make(map[string]any, len(md.Properties))
		for k, v := range md.Properties {
			c.Properties[k] = v
		}
	}
	c.Paths = append([]models.PathEntry(nil), md.Paths...)
	c.Ancestors = append([]string(nil), md.Ancestors...)
	if md.Content != nil {
		cd := *md.Content
		c.Content = &cd
	}
	return &c
}
