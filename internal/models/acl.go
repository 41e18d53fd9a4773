package models

import "sort"

// AclChangeSet is a monotonic-id batch of ACL changes. Its id space is
// independent of transaction ids.
type AclChangeSet struct {
	ID           int64 `json:"id"`
	CommitTimeMs int64 `json:"commit_time_ms"`
	AclCount     int   `json:"acl_count"`
}

// Acl is one version of an access control list. A later change set may carry
// a new version under the same Acl id; the last applied change set wins.
type Acl struct {
	ID          int64    `json:"id"`
	ChangeSetID int64    `json:"change_set_id"`
	Readers     []string `json:"readers"`
	Deniers     []string `json:"deniers"`
}

// Normalize sorts and de-duplicates the reader and denier sets.
func (a *Acl) Normalize() {
	a.Readers = uniqueSorted(a.Readers)
	a.Deniers = uniqueSorted(a.Deniers)
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
