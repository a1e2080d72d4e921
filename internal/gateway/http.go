package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidemark-app/tidemark/internal/record"
)

// DefaultTimeout bounds each remote request. A request that exceeds it
// is treated as a transient failure and retried by the engine.
const DefaultTimeout = 30 * time.Second

// HTTPGateway talks to the remote resource server over HTTP/JSON.
//
// Wire shape:
//
//	GET    /records            -> [ {id, fields, updated_at}, ... ]
//	GET    /records?since=T    -> records changed at or after T
//	POST   /records            -> created snapshot (authoritative id)
//	PATCH  /records/{id}       -> updated snapshot
//	DELETE /records/{id}       -> 204 (404 counts as success)
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPGateway creates a gateway for the given server.
//
// The token is sent as a bearer credential on every request; pass ""
// for unauthenticated servers. A nil client gets a default with
// DefaultTimeout.
func NewHTTPGateway(baseURL, token string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPGateway{
		baseURL: baseURL,
		token:   token,
		client:  client,
	}
}

// FetchAll implements Gateway.FetchAll.
func (g *HTTPGateway) FetchAll(ctx context.Context) ([]record.RemoteSnapshot, error) {
	return g.fetch(ctx, g.baseURL+"/records")
}

// FetchSince implements Gateway.FetchSince.
func (g *HTTPGateway) FetchSince(ctx context.Context, since time.Time) ([]record.RemoteSnapshot, error) {
	u := fmt.Sprintf("%s/records?since=%s", g.baseURL, url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))
	return g.fetch(ctx, u)
}

func (g *HTTPGateway) fetch(ctx context.Context, u string) ([]record.RemoteSnapshot, error) {
	body, err := g.do(ctx, http.MethodGet, u, nil, "fetch", "")
	if err != nil {
		return nil, err
	}

	var snapshots []record.RemoteSnapshot
	if err := json.Unmarshal(body, &snapshots); err != nil {
		return nil, &RemoteError{Op: "fetch", Class: Permanent, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return snapshots, nil
}

// Create implements Gateway.Create.
func (g *HTTPGateway) Create(ctx context.Context, fields record.Fields) (record.RemoteSnapshot, error) {
	payload, err := json.Marshal(map[string]interface{}{"fields": fields})
	if err != nil {
		return record.RemoteSnapshot{}, fmt.Errorf("failed to marshal create payload: %w", err)
	}

	body, err := g.do(ctx, http.MethodPost, g.baseURL+"/records", payload, "create", "")
	if err != nil {
		return record.RemoteSnapshot{}, err
	}
	return decodeSnapshot(body, "create", "")
}

// Update implements Gateway.Update.
func (g *HTTPGateway) Update(ctx context.Context, id string, diff record.Fields) (record.RemoteSnapshot, error) {
	payload, err := json.Marshal(map[string]interface{}{"fields": diff})
	if err != nil {
		return record.RemoteSnapshot{}, fmt.Errorf("failed to marshal update payload: %w", err)
	}

	body, err := g.do(ctx, http.MethodPatch, g.baseURL+"/records/"+url.PathEscape(id), payload, "update", id)
	if err != nil {
		return record.RemoteSnapshot{}, err
	}
	return decodeSnapshot(body, "update", id)
}

// Delete implements Gateway.Delete.
func (g *HTTPGateway) Delete(ctx context.Context, id string) error {
	_, err := g.do(ctx, http.MethodDelete, g.baseURL+"/records/"+url.PathEscape(id), nil, "delete", id)

	// The remote no longer having the record is what we wanted.
	var re *RemoteError
	if err != nil && errors.As(err, &re) && re.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// do issues one request and returns the response body, classifying
// failures into RemoteError.
func (g *HTTPGateway) do(ctx context.Context, method, u string, payload []byte, op, id string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, &RemoteError{Op: op, ID: id, Class: Permanent, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		// Transport failures (DNS, refused connection, timeout) are
		// all retryable.
		return nil, &RemoteError{Op: op, ID: id, Class: Transient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteError{Op: op, ID: id, Class: Transient, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, &RemoteError{
			Op:     op,
			ID:     id,
			Class:  classifyStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("server returned %s: %s", resp.Status, truncate(body, 200)),
		}
	}

	return body, nil
}

func decodeSnapshot(body []byte, op, id string) (record.RemoteSnapshot, error) {
	var snap record.RemoteSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return record.RemoteSnapshot{}, &RemoteError{Op: op, ID: id, Class: Permanent, Err: fmt.Errorf("failed to decode snapshot: %w", err)}
	}
	if snap.ID == "" {
		return record.RemoteSnapshot{}, &RemoteError{Op: op, ID: id, Class: Permanent, Err: fmt.Errorf("server returned snapshot without id")}
	}
	return snap, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
