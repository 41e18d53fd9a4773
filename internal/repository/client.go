package repository

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

// HTTPClient implements RepositoryClient over the repository's JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ RepositoryClient = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTP-based repository client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) apiURL(path string, query url.Values) string {
	u := c.baseURL + "/api/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept-Encoding", "gzip")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}

	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody == nil {
		return nil
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("decompress response: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	if err := json.NewDecoder(reader).Decode(respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func pageQuery(sinceID int64, maxResults int) url.Values {
	q := url.Values{}
	q.Set("fromId", strconv.FormatInt(sinceID, 10))
	q.Set("maxResults", strconv.Itoa(maxResults))
	return q
}

// GetTransactions returns transactions after sinceID.
func (c *HTTPClient) GetTransactions(ctx context.Context, sinceID int64, maxResults int) ([]models.Transaction, error) {
	var resp TransactionsResponse
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL("/transactions", pageQuery(sinceID, maxResults)), nil, &resp); err != nil {
		return nil, fmt.Errorf("get transactions: %w", err)
	}
	return resp.Transactions, nil
}

// GetAclChangeSets returns ACL change sets after sinceID.
func (c *HTTPClient) GetAclChangeSets(ctx context.Context, sinceID int64, maxResults int) ([]models.AclChangeSet, error) {
	var resp AclChangeSetsResponse
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL("/aclchangesets", pageQuery(sinceID, maxResults)), nil, &resp); err != nil {
		return nil, fmt.Errorf("get acl change sets: %w", err)
	}
	return resp.ChangeSets, nil
}

// GetNodes returns the nodes touched by a transaction.
func (c *HTTPClient) GetNodes(ctx context.Context, txnID int64) ([]models.Node, error) {
	var resp NodesResponse
	path := "/transactions/" + strconv.FormatInt(txnID, 10) + "/nodes"
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL(path, nil), nil, &resp); err != nil {
		return nil, fmt.Errorf("get nodes for txn %d: %w", txnID, err)
	}
	return resp.Nodes, nil
}

// GetNodeMetadata returns the current metadata of a node.
func (c *HTTPClient) GetNodeMetadata(ctx context.Context, dbID int64) (*models.NodeMetadata, error) {
	var md models.NodeMetadata
	path := "/nodes/" + strconv.FormatInt(dbID, 10) + "/metadata"
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL(path, nil), nil, &md); err != nil {
		return nil, fmt.Errorf("get node metadata %d: %w", dbID, notFound(err))
	}
	return &md, nil
}

// GetNodePaths returns the current paths of the given nodes.
func (c *HTTPClient) GetNodePaths(ctx context.Context, dbIDs []int64) ([]models.NodePaths, error) {
	var resp NodePathsResponse
	req := &NodePathsRequest{DbIDs: dbIDs}
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("/nodes/paths", nil), req, &resp); err != nil {
		return nil, fmt.Errorf("get node paths: %w", err)
	}
	return resp.Paths, nil
}

// GetUncleanContentDocs pages through nodes whose content needs extraction.
func (c *HTTPClient) GetUncleanContentDocs(ctx context.Context, offset, limit int) ([]models.Node, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var resp NodesResponse
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL("/content/unclean", q), nil, &resp); err != nil {
		return nil, fmt.Errorf("get unclean content: %w", err)
	}
	return resp.Nodes, nil
}

// GetContent returns the extracted text of a node.
func (c *HTTPClient) GetContent(ctx context.Context, dbID int64) (*models.Content, error) {
	var content models.Content
	path := "/nodes/" + strconv.FormatInt(dbID, 10) + "/content"
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL(path, nil), nil, &content); err != nil {
		return nil, fmt.Errorf("get content %d: %w", dbID, notFound(err))
	}
	return &content, nil
}

// GetAcls returns the ACLs of a change set.
func (c *HTTPClient) GetAcls(ctx context.Context, changeSetID int64) ([]models.Acl, error) {
	var resp AclsResponse
	path := "/aclchangesets/" + strconv.FormatInt(changeSetID, 10) + "/acls"
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL(path, nil), nil, &resp); err != nil {
		return nil, fmt.Errorf("get acls for change set %d: %w", changeSetID, err)
	}
	return resp.Acls, nil
}

// GetModelsDiff asks the repository which models differ from the known set.
func (c *HTTPClient) GetModelsDiff(ctx context.Context, known []models.ModelChecksum) ([]models.ModelDiff, error) {
	var resp ModelsDiffResponse
	req := &ModelsDiffRequest{Models: known}
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("/models/diff", nil), req, &resp); err != nil {
		return nil, fmt.Errorf("get models diff: %w", err)
	}
	return resp.Diffs, nil
}

// GetModel returns a model definition.
func (c *HTTPClient) GetModel(ctx context.Context, name string) (*models.Model, error) {
	var m models.Model
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL("/models/"+url.PathEscape(name), nil), nil, &m); err != nil {
		return nil, fmt.Errorf("get model %s: %w", name, notFound(err))
	}
	return &m, nil
}

// RemoteError represents a structured error from the repository.
type RemoteError struct {
	Code    string
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("repository error (%d): %s: %s", e.Status, e.Code, e.Message)
}

// notFound maps a 404 response onto ErrNotFound.
func notFound(err error) error {
	var re *RemoteError
	if errors.As(err, &re) && re.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, re.Message)
	}
	return err
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return &RemoteError{
			Code:    "unknown",
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}

	return &RemoteError{
		Code:    errResp.Error,
		Message: errResp.Message,
		Status:  resp.StatusCode,
	}
}
