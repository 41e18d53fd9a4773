package tracker

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/zanzrukiav/SearchServices/internal/dictionary"
	"github.com/zanzrukiav/SearchServices/internal/index"
	"github.com/zanzrukiav/SearchServices/internal/models"
)

// nodeDocument renders the full document of a node. Properties declared
// not indexed by the dictionary are left out.
func nodeDocument(md *models.NodeMetadata, txnID int64, dict *dictionary.Dictionary) *index.Document {
	doc := index.NewDocument(models.NodeDocumentID(md.Node.DbID))
	doc.Set(index.FieldDocType, index.DocTypeNode)
	doc.SetInt(index.FieldDbID, md.Node.DbID)
	doc.Set(index.FieldNodeRef, md.Node.NodeRef)
	doc.SetInt(index.FieldTxnID, txnID)
	doc.SetInt(index.FieldAclID, md.AclID)
	if md.Type != "" {
		doc.Set(index.FieldType, md.Type)
	}

	for field, values := range pathFields(md.Paths, md.Ancestors) {
		doc.Set(field, values...)
	}

	for qname, v := range md.Properties {
		if qname == models.PropCascadeTx {
			continue
		}
		if dict != nil && !dict.Indexed(qname) {
			continue
		}
		if values := propertyValues(v); len(values) > 0 {
			doc.Set(index.PropertyPrefix+qname, values...)
		}
	}

	if md.Content != nil {
		doc.Set(index.FieldContentStatus, index.ContentDirty)
		doc.Set(index.FieldContentMime, md.Content.MimeType)
		doc.SetInt(index.FieldContentSize, md.Content.Size)
	}
	return doc
}

// pathFields returns the path-dependent fields of a node, the only fields
// a cascade rewrites.
func pathFields(paths []models.PathEntry, ancestors []string) map[string][]string {
	var ps, qnames []string
	for _, p := range paths {
		ps = append(ps, p.Path)
		if p.QName != "" {
			qnames = append(qnames, p.QName)
		}
	}
	display := ""
	if len(paths) > 0 {
		display = paths[0].Path
	}
	anc := append([]string(nil), ancestors...)
	sort.Strings(anc)

	fields := map[string][]string{
		index.FieldPaths:       ps,
		index.FieldQNames:      qnames,
		index.FieldDisplayPath: nil,
		index.FieldAncestors:   anc,
	}
	if display != "" {
		fields[index.FieldDisplayPath] = []string{display}
	}
	return fields
}

func propertyValues(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return []string{x}
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, propertyValues(e)...)
		}
		return out
	case bool:
		return []string{strconv.FormatBool(x)}
	case float64:
		return []string{strconv.FormatFloat(x, 'f', -1, 64)}
	default:
		return []string{fmt.Sprint(x)}
	}
}

func aclDocument(a models.Acl) *index.Document {
	a.Normalize()
	doc := index.NewDocument(models.AclDocumentID(a.ID))
	doc.Set(index.FieldDocType, index.DocTypeAcl)
	doc.SetInt(index.FieldAclID, a.ID)
	doc.SetInt(index.FieldChangeSetID, a.ChangeSetID)
	doc.Set(index.FieldReaders, a.Readers...)
	doc.Set(index.FieldDeniers, a.Deniers...)
	return doc
}

func transactionDocument(t models.Transaction) *index.Document {
	doc := index.NewDocument(models.TransactionDocumentID(t.ID))
	doc.Set(index.FieldDocType, index.DocTypeTx)
	doc.SetInt(index.FieldTxnID, t.ID)
	doc.SetInt(index.FieldTxnCommitTime, t.CommitTimeMs)
	return doc
}

func changeSetDocument(cs models.AclChangeSet) *index.Document {
	doc := index.NewDocument(models.ChangeSetDocumentID(cs.ID))
	doc.Set(index.FieldDocType, index.DocTypeChangeSet)
	doc.SetInt(index.FieldChangeSetID, cs.ID)
	doc.SetInt(index.FieldTxnCommitTime, cs.CommitTimeMs)
	return doc
}
