package tracker

import (
	"fmt"
	"sync"
)

// Action is an operator maintenance request kind.
type Action string

const (
	ActionReindexTxn          Action = "reindex-txn"
	ActionReindexNode         Action = "reindex-node"
	ActionPurgeNode           Action = "purge-node"
	ActionReindexAclChangeSet Action = "reindex-acl-changeset"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionReindexTxn, ActionReindexNode, ActionPurgeNode, ActionReindexAclChangeSet:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrNoSuchAction, s)
}

// Request is one queued maintenance request.
type Request struct {
	Action Action `json:"action"`
	ID     int64  `json:"id"`
}

func (r Request) String() string { return fmt.Sprintf("%s %d", r.Action, r.ID) }

// Maintainer is a tracker that accepts maintenance requests. They run at
// the start of its next cycle, under the cycle lock.
type Maintainer interface {
	Tracker
	Supports(a Action) bool
	Enqueue(r Request) error
}

type queue struct {
	mu    sync.Mutex
	items []Request
}

func (q *queue) push(r ...Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, r...)
}

func (q *queue) take() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
