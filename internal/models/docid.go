package models

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultTenant is the tenant segment used for documents of the default domain.
const DefaultTenant = "_DEFAULT_"

const (
	trackerPrefix = "TRACKER"
	txSegment     = "TX"
	changeSetSeg  = "CHANGE_SET"
	aclSuffix     = "ACL"
)

// EncodeID renders an id as fixed-width hex so that document ids sort
// in numeric order. Negative ids sort before positive ones.
func EncodeID(id int64) string {
	return fmt.Sprintf("%016x", uint64(id)^(1<<63))
}

// DecodeID reverses EncodeID.
func DecodeID(s string) (int64, error) {
	u, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("decode id %q: %w", s, err)
	}
	return int64(u ^ (1 << 63)), nil
}

// NodeDocumentID returns "<tenant>!<dbid>".
func NodeDocumentID(dbID int64) string {
	return DefaultTenant + "!" + EncodeID(dbID)
}

// AclDocumentID returns "<tenant>!<aclid>!ACL".
func AclDocumentID(aclID int64) string {
	return DefaultTenant + "!" + EncodeID(aclID) + "!" + aclSuffix
}

// TransactionDocumentID returns "TRACKER!TX!<txid>".
func TransactionDocumentID(txnID int64) string {
	return trackerPrefix + "!" + txSegment + "!" + EncodeID(txnID)
}

// ChangeSetDocumentID returns "TRACKER!CHANGE_SET!<changesetid>".
func ChangeSetDocumentID(changeSetID int64) string {
	return trackerPrefix + "!" + changeSetSeg + "!" + EncodeID(changeSetID)
}

// ParseNodeDocumentID extracts the db id from a node document id.
func ParseNodeDocumentID(docID string) (int64, error) {
	parts := strings.Split(docID, "!")
	if len(parts) != 2 {
		return 0, fmt.Errorf("not a node document id: %q", docID)
	}
	return DecodeID(parts[1])
}

// ParseTrailingID extracts the id from the last segment of a tracker
// document id (transaction or change set).
func ParseTrailingID(docID string) (int64, error) {
	parts := strings.Split(docID, "!")
	return DecodeID(parts[len(parts)-1])
}

// IsNodeDocumentID reports whether docID addresses a node document.
func IsNodeDocumentID(docID string) bool {
	return !strings.HasPrefix(docID, trackerPrefix+"!") && strings.Count(docID, "!") == 1
}
