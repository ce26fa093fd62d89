package registry

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dwizi/maestro-console/internal/config"
	"github.com/dwizi/maestro-console/internal/consoleerr"
)

const (
	folderHeader    = "X-UIPATH-FolderKey"
	maxInstancePage = 50
)

// Credentials holds the bearer token shared by every request. The token
// file watcher swaps it in place.
type Credentials struct {
	mu    sync.RWMutex
	token string
}

func NewCredentials(token string) *Credentials {
	return &Credentials{token: strings.TrimSpace(token)}
}

func (c *Credentials) Token() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Credentials) Set(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

type Client struct {
	baseURL     string
	http        *http.Client
	credentials *Credentials
}

func New(cfg config.Config, credentials *Credentials) (*Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
	if cfg.TLSCAFile != "" {
		caBytes, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read registry tls ca file: %w", err)
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(caBytes); !ok {
			return nil, fmt.Errorf("parse registry tls ca file")
		}
		tlsConfig.RootCAs = certPool
	}

	timeout := time.Duration(cfg.HTTPTimeoutSec) * time.Second
	if timeout < time.Second {
		timeout = 30 * time.Second
	}
	if credentials == nil {
		credentials = NewCredentials(cfg.AccessToken)
	}

	return &Client{
		baseURL: apiRoot(cfg.BaseURL, cfg.OrgName, cfg.TenantName),
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
			Timeout: timeout,
		},
		credentials: credentials,
	}, nil
}

func apiRoot(baseURL, org, tenant string) string {
	root := strings.TrimRight(baseURL, "/")
	if org != "" {
		root += "/" + url.PathEscape(org)
	}
	if tenant != "" {
		root += "/" + url.PathEscape(tenant)
	}
	return root + "/pims_/api/v1"
}

func (c *Client) WithTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	if timeout < time.Second {
		return c
	}
	clone := *c
	if c.http == nil {
		clone.http = &http.Client{Timeout: timeout}
		return &clone
	}
	httpClone := *c.http
	httpClone.Timeout = timeout
	clone.http = &httpClone
	return &clone
}

func (c *Client) ListProcesses(ctx context.Context) ([]Process, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/processes/summary", "", nil)
	if err != nil {
		return nil, err
	}
	var response page[Process]
	if err := c.doJSON(req, &response); err != nil {
		return nil, err
	}
	return response.Items, nil
}

// ListInstances follows the registry's page cursor until it runs out.
func (c *Client) ListInstances(ctx context.Context, opts ListInstancesOptions) ([]Instance, error) {
	pageSize := opts.PageSize
	if pageSize < 1 || pageSize > maxInstancePage {
		pageSize = maxInstancePage
	}
	var (
		items  []Instance
		cursor string
	)
	for {
		query := url.Values{}
		query.Set("pageSize", strconv.Itoa(pageSize))
		if key := strings.TrimSpace(opts.ProcessKey); key != "" {
			query.Set("processKey", key)
		}
		if cursor != "" {
			query.Set("nextPage", cursor)
		}
		req, err := c.newRequest(ctx, http.MethodGet, "/instances?"+query.Encode(), "", nil)
		if err != nil {
			return nil, err
		}
		var response page[Instance]
		if err := c.doJSON(req, &response); err != nil {
			return nil, err
		}
		items = append(items, response.Items...)
		if response.NextPage == "" || response.NextPage == cursor || len(response.Items) == 0 {
			break
		}
		cursor = response.NextPage
	}
	if items == nil {
		items = []Instance{}
	}
	return items, nil
}

func (c *Client) GetInstance(ctx context.Context, instanceID, folderKey string) (Instance, error) {
	if err := requireIDs(instanceID, folderKey); err != nil {
		return Instance{}, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/instances/"+url.PathEscape(instanceID), folderKey, nil)
	if err != nil {
		return Instance{}, err
	}
	var instance Instance
	if err := c.doJSON(req, &instance); err != nil {
		return Instance{}, err
	}
	return instance, nil
}

// GetBpmn returns the BPMN XML document for the instance's process version.
func (c *Client) GetBpmn(ctx context.Context, instanceID, folderKey string) (string, error) {
	if err := requireIDs(instanceID, folderKey); err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/instances/"+url.PathEscape(instanceID)+"/bpmn", folderKey, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/xml")
	body, err := c.doRaw(req)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) GetExecutionHistory(ctx context.Context, instanceID string) ([]ExecutionEvent, error) {
	if strings.TrimSpace(instanceID) == "" {
		return nil, fmt.Errorf("%w: instance id is required", consoleerr.ErrValidation)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/spans/"+url.PathEscape(instanceID), "", nil)
	if err != nil {
		return nil, err
	}
	var events []ExecutionEvent
	if err := c.doJSON(req, &events); err != nil {
		return nil, err
	}
	if events == nil {
		events = []ExecutionEvent{}
	}
	return events, nil
}

func (c *Client) GetVariables(ctx context.Context, instanceID, folderKey string, opts VariableOptions) (VariableSet, error) {
	if err := requireIDs(instanceID, folderKey); err != nil {
		return VariableSet{}, err
	}
	endpoint := "/instances/" + url.PathEscape(instanceID) + "/variables"
	if parent := strings.TrimSpace(opts.ParentElementID); parent != "" {
		endpoint += "?parentElementId=" + url.QueryEscape(parent)
	}
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, folderKey, nil)
	if err != nil {
		return VariableSet{}, err
	}
	var set VariableSet
	if err := c.doJSON(req, &set); err != nil {
		return VariableSet{}, err
	}
	return set, nil
}

func (c *Client) PauseInstance(ctx context.Context, instanceID, folderKey, comment string) (OperationResult, error) {
	return c.operate(ctx, "pause", instanceID, folderKey, comment)
}

func (c *Client) ResumeInstance(ctx context.Context, instanceID, folderKey, comment string) (OperationResult, error) {
	return c.operate(ctx, "resume", instanceID, folderKey, comment)
}

func (c *Client) CancelInstance(ctx context.Context, instanceID, folderKey, comment string) (OperationResult, error) {
	return c.operate(ctx, "cancel", instanceID, folderKey, comment)
}

func (c *Client) operate(ctx context.Context, action, instanceID, folderKey, comment string) (OperationResult, error) {
	if err := requireIDs(instanceID, folderKey); err != nil {
		return OperationResult{}, err
	}
	requestBody, err := json.Marshal(map[string]string{"comment": strings.TrimSpace(comment)})
	if err != nil {
		return OperationResult{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/instances/"+url.PathEscape(instanceID)+"/"+action, folderKey, bytes.NewReader(requestBody))
	if err != nil {
		return OperationResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var result OperationResult
	if err := c.doJSON(req, &result); err != nil {
		return OperationResult{}, err
	}
	if result.InstanceID == "" {
		result.InstanceID = instanceID
	}
	return result, nil
}

func requireIDs(instanceID, folderKey string) error {
	if strings.TrimSpace(instanceID) == "" {
		return fmt.Errorf("%w: instance id is required", consoleerr.ErrValidation)
	}
	if strings.TrimSpace(folderKey) == "" {
		return fmt.Errorf("%w: folder key is required", consoleerr.ErrValidation)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path, folderKey string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if token := c.credentials.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if folderKey != "" {
		req.Header.Set(folderHeader, folderKey)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	body, err := c.doRaw(req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", consoleerr.ErrTransport, err)
	}
	return nil
}

func (c *Client) doRaw(req *http.Request) ([]byte, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", consoleerr.ErrTransport, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", consoleerr.ErrTransport, err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return nil, statusError(res, body)
	}
	return body, nil
}

func statusError(res *http.Response, body []byte) error {
	var apiError struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiError)
	message := strings.TrimSpace(apiError.Message)
	if message == "" {
		message = strings.TrimSpace(apiError.Error)
	}
	if message == "" {
		message = res.Status
	}

	sentinel := consoleerr.ErrTransport
	switch res.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		sentinel = consoleerr.ErrValidation
	case http.StatusNotFound:
		sentinel = consoleerr.ErrNotFound
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
