// Package client is a typed Go client for the novaspace manager API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vaheed/novaspace/pkg/types"
)

// APIError is returned for non-Result error responses such as 401, 403 or a
// missing namespace on read.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("novaspace: status %d", e.StatusCode)
	}
	return fmt.Sprintf("novaspace: %s: %s", e.Code, e.Message)
}

// Client is immutable; every call carries its own context.
type Client struct {
	base  string
	http  *http.Client
	token string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(base, token string, opts ...Option) *Client {
	c := &Client{base: strings.TrimRight(base, "/"), http: http.DefaultClient, token: token}
	for _, o := range opts {
		o(c)
	}
	return c
}

func namespacePath(namespace string) string {
	return "/api/v1/namespaces/" + url.PathEscape(namespace)
}

func memberPath(namespace, userID string) string {
	return namespacePath(namespace) + "/members/" + url.PathEscape(userID)
}

// URL resolves a navigation hint such as Result.NextActionURL against the
// client's base address.
func (c *Client) URL(path string) string { return c.base + path }

func (c *Client) CreateNamespace(ctx context.Context, req types.NamespaceRequest) (types.Result, error) {
	return c.result(ctx, http.MethodPost, "/api/v1/namespaces", req)
}

func (c *Client) ModifyNamespace(ctx context.Context, namespace string, req types.NamespaceRequest) (types.Result, error) {
	return c.result(ctx, http.MethodPut, namespacePath(namespace), req)
}

func (c *Client) DeleteNamespace(ctx context.Context, namespace string) (types.Result, error) {
	return c.result(ctx, http.MethodDelete, namespacePath(namespace), nil)
}

func (c *Client) SyncMembers(ctx context.Context, namespace string, members []types.MembershipEntry) (types.Result, error) {
	return c.result(ctx, http.MethodPut, namespacePath(namespace)+"/members", types.MembersRequest{Members: members})
}

func (c *Client) RemoveMember(ctx context.Context, namespace, userID string) (types.Result, error) {
	return c.result(ctx, http.MethodDelete, memberPath(namespace, userID), nil)
}

func (c *Client) GetNamespace(ctx context.Context, namespace string) (types.NamespaceDetail, error) {
	var v types.NamespaceDetail
	body, err := c.do(ctx, http.MethodGet, namespacePath(namespace), nil)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(body, &v)
	return v, err
}

// Kubeconfig downloads a kubeconfig for a member's service account.
func (c *Client) Kubeconfig(ctx context.Context, namespace, userID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, memberPath(namespace, userID)+"/kubeconfig", nil)
}

// result decodes a Result body. Failed operations come back as a Result with
// a FAIL code and a nil error; only transport and auth problems are errors.
func (c *Client) result(ctx context.Context, method, path string, body any) (types.Result, error) {
	req, err := c.req(ctx, method, path, body)
	if err != nil {
		return types.Result{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return types.Result{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Result{}, err
	}
	var res types.Result
	if err := json.Unmarshal(raw, &res); err != nil || res.ResultCode == "" {
		return types.Result{}, apiError(resp.StatusCode, raw)
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	req, err := c.req(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, raw)
	}
	return raw, nil
}

func (c *Client) req(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var br io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		br = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, br)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func apiError(status int, raw []byte) error {
	e := &APIError{StatusCode: status}
	_ = json.Unmarshal(raw, e)
	return e
}
