package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/colock/colock/lib/lease"
	"github.com/colock/colock/lib/session"
	"github.com/colock/colock/lib/tabreg"
	"github.com/colock/colock/rpc/common"
	"github.com/colock/colock/rpc/serializer"
)

var Logger = common.GetLogger("rpc/client")

// ILockClient is the client-side surface of the lock server. It covers the
// session.LockAPI operations plus the administrative ones.
type ILockClient interface {
	Acquire(ctx context.Context, key lease.ResourceKey, minutes int) (lease.AcquireResult, error)
	Status(ctx context.Context, key lease.ResourceKey) (lease.Status, error)
	Extend(ctx context.Context, key lease.ResourceKey, minutes int) (lease.ExtendResult, error)
	Transfer(ctx context.Context, key lease.ResourceKey, newTabID string) (lease.TransferResult, error)
	Release(ctx context.Context, key lease.ResourceKey, userOverride bool) (lease.ReleaseResult, error)

	// ForceUnlock administratively clears the lease. Requires AdminToken.
	ForceUnlock(ctx context.Context, key lease.ResourceKey, reason string) (lease.ReleaseResult, error)
	// Sweep removes long-expired leases server-side. Requires AdminToken.
	Sweep(ctx context.Context, collection string, olderThanMinutes int, dryRun bool) (lease.SweepResult, error)

	// Close releases idle connections.
	Close()
}

// The lock client must satisfy the session controller's API surface.
var _ session.LockAPI = (ILockClient)(nil)

// NewLockClient creates a new lock client.
//
// An empty TabID falls back to the process-wide tab identity, so a plain
// client config is enough for single-process use.
func NewLockClient(config common.ClientConfig, ser serializer.IRPCSerializer) (ILockClient, error) {
	if len(config.Endpoints) == 0 {
		return nil, errors.New("client: at least one endpoint is required")
	}
	if config.UserID == "" {
		return nil, errors.New("client: user id is required")
	}
	if config.TabID == "" {
		config.TabID = tabreg.TabID()
	}
	if ser == nil {
		ser = serializer.NewJSONSerializer()
	}
	if config.RetryCount < 0 {
		config.RetryCount = 0
	}

	timeout := time.Duration(config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &lockClient{
		config:     config,
		serializer: ser,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: max(1, config.ConnectionsPerEndpoint),
			},
		},
	}, nil
}

type lockClient struct {
	config     common.ClientConfig
	serializer serializer.IRPCSerializer
	httpClient *http.Client
	next       atomic.Uint64
}

// --------------------------------------------------------------------------
// Interface Methods (docu see client.ILockClient)
// --------------------------------------------------------------------------

func (c *lockClient) Acquire(ctx context.Context, key lease.ResourceKey, minutes int) (lease.AcquireResult, error) {
	req := common.NewAcquireRequest(key, minutes)
	resp, err := c.invoke(ctx, http.MethodPost, lockPath(key, "/acquire"), req)
	if err != nil {
		return lease.AcquireResult{}, err
	}
	if resp.Acquire == nil {
		return lease.AcquireResult{}, fmt.Errorf("client: malformed acquire response: %+v", resp)
	}
	return *resp.Acquire, nil
}

func (c *lockClient) Status(ctx context.Context, key lease.ResourceKey) (lease.Status, error) {
	resp, err := c.invoke(ctx, http.MethodGet, lockPath(key, "/status"), nil)
	if err != nil {
		return lease.Status{}, err
	}
	if resp.Status == nil {
		return lease.Status{}, fmt.Errorf("client: malformed status response: %+v", resp)
	}
	return *resp.Status, nil
}

func (c *lockClient) Extend(ctx context.Context, key lease.ResourceKey, minutes int) (lease.ExtendResult, error) {
	req := common.NewExtendRequest(key, minutes)
	resp, err := c.invoke(ctx, http.MethodPut, lockPath(key, "/extend"), req)
	if err != nil {
		return lease.ExtendResult{}, err
	}
	if resp.Extend == nil {
		return lease.ExtendResult{}, fmt.Errorf("client: malformed extend response: %+v", resp)
	}
	return *resp.Extend, nil
}

func (c *lockClient) Transfer(ctx context.Context, key lease.ResourceKey, newTabID string) (lease.TransferResult, error) {
	req := common.NewTransferRequest(key, newTabID)
	resp, err := c.invoke(ctx, http.MethodPatch, lockPath(key, "/transfer"), req)
	if err != nil {
		return lease.TransferResult{}, err
	}
	if resp.Transfer == nil {
		return lease.TransferResult{}, fmt.Errorf("client: malformed transfer response: %+v", resp)
	}
	return *resp.Transfer, nil
}

func (c *lockClient) Release(ctx context.Context, key lease.ResourceKey, userOverride bool) (lease.ReleaseResult, error) {
	path := lockPath(key, "/release")
	if userOverride {
		path += appendQuery(path, "override=true")
	}
	resp, err := c.invoke(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return lease.ReleaseResult{}, err
	}
	if resp.Release == nil {
		return lease.ReleaseResult{}, fmt.Errorf("client: malformed release response: %+v", resp)
	}
	return *resp.Release, nil
}

func (c *lockClient) ForceUnlock(ctx context.Context, key lease.ResourceKey, reason string) (lease.ReleaseResult, error) {
	req := common.NewForceUnlockRequest(key, reason)
	resp, err := c.invoke(ctx, http.MethodPost, lockPath(key, "/force-unlock"), req)
	if err != nil {
		return lease.ReleaseResult{}, err
	}
	if resp.Release == nil {
		return lease.ReleaseResult{}, fmt.Errorf("client: malformed force unlock response: %+v", resp)
	}
	return *resp.Release, nil
}

func (c *lockClient) Sweep(ctx context.Context, collection string, olderThanMinutes int, dryRun bool) (lease.SweepResult, error) {
	req := common.NewSweepRequest(collection, olderThanMinutes, dryRun)
	resp, err := c.invoke(ctx, http.MethodPost, "/locks/cleanup", req)
	if err != nil {
		return lease.SweepResult{}, err
	}
	if resp.Sweep == nil {
		return lease.SweepResult{}, fmt.Errorf("client: malformed sweep response: %+v", resp)
	}
	return *resp.Sweep, nil
}

func (c *lockClient) Close() {
	c.httpClient.CloseIdleConnections()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// lockPath builds the route for a resource key, escaping path segments and
// carrying the lock group as a query parameter.
func lockPath(key lease.ResourceKey, suffix string) string {
	path := "/locks/" + url.PathEscape(key.Collection) + "/" + url.PathEscape(key.ResourceID) + suffix
	if key.LockGroup != "" {
		path += "?lockGroup=" + url.QueryEscape(key.LockGroup)
	}
	return path
}

func appendQuery(path, query string) string {
	if strings.ContainsRune(path, '?') {
		return "&" + query
	}
	return "?" + query
}

// invoke sends a request, rotating through the configured endpoints.
// Transport failures are retried; HTTP error codes are not, since the
// envelope in the body already carries the outcome.
func (c *lockClient) invoke(ctx context.Context, method, path string, msg *common.Message) (*common.Message, error) {
	var body []byte
	if msg != nil {
		var err error
		body, err = c.serializer.Serialize(*msg)
		if err != nil {
			return nil, fmt.Errorf("client: failed to serialize request: %w", err)
		}
	}

	attempts := c.config.RetryCount + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		endpoint := c.config.Endpoints[c.next.Add(1)%uint64(len(c.config.Endpoints))]

		resp, err := c.send(ctx, method, endpoint+path, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// The caller gave up, no point in trying other endpoints.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		Logger.Debug("request failed, rotating endpoint", "endpoint", endpoint, "error", err)
	}

	return nil, fmt.Errorf("client: all %d attempts failed: %w", attempts, lastErr)
}

func (c *lockClient) send(ctx context.Context, method, fullURL string, body []byte) (*common.Message, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", c.serializer.ContentType())
	id := c.config.Requester()
	req.Header.Set(common.HeaderUserID, id.UserID)
	req.Header.Set(common.HeaderTabID, id.TabID)
	if id.DisplayName != "" {
		req.Header.Set(common.HeaderUserName, id.DisplayName)
	}
	if id.Contact != "" {
		req.Header.Set(common.HeaderContact, id.Contact)
	}
	if c.config.AdminToken != "" {
		req.Header.Set(common.HeaderAdminToken, c.config.AdminToken)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	// Non-envelope failures (auth, rate limit, routing) have plain-text
	// bodies and no Message to parse.
	if httpResp.Header.Get("Content-Type") != c.serializer.ContentType() {
		return nil, fmt.Errorf("server returned %d: %s", httpResp.StatusCode, bytes.TrimSpace(respBody))
	}

	resp := &common.Message{}
	if err := c.serializer.Deserialize(respBody, resp); err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}

	if resp.Err != "" {
		return nil, fmt.Errorf("server error: %s", resp.Err)
	}
	return resp, nil
}
