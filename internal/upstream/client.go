// Package upstream talks to the authentication/resource API that issues
// credential pairs. It performs exactly one HTTP exchange per call and never
// retries; renewal policy lives in the relay and the token holder.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storefront/internal/credentials"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 2 << 20

	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh"
	LogoutPath  = "/auth/logout"
	MePath      = "/auth/me"
)

var (
	// ErrRenewalRejected means the upstream refused the refresh credential.
	ErrRenewalRejected = errors.New("refresh credential rejected")
	// ErrMalformedPair means a login or refresh response did not carry both credentials.
	ErrMalformedPair = errors.New("upstream returned an incomplete credential pair")
)

// Request describes one logical upstream call. Body may be nil, []byte,
// string, io.Reader, or any value that encodes to JSON.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

func (r *Response) Unauthorized() bool {
	return r.Status == http.StatusUnauthorized
}

// Payload decodes a JSON body, falling back to the raw text when the body is
// not valid JSON. An empty body yields nil.
func (r *Response) Payload() any {
	trimmed := bytes.TrimSpace(r.Body)
	if len(trimmed) == 0 {
		return nil
	}
	var data any
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return string(r.Body)
	}
	return data
}

func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	return nil
}

// StatusError is returned by the typed helpers when the upstream answers
// with a non-2xx status.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream status %d", e.Status)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

// Send issues one request, attaching the access credential as a bearer
// header when it is non-empty. Transport failures are returned as errors;
// any HTTP status is returned as a Response.
func (c *Client) Send(ctx context.Context, req Request, access string) (*Response, error) {
	body, err := EncodeBody(req.Body)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, req, body, access)
}

// SendEncoded is Send for a body already produced by EncodeBody, so a caller
// can replay the same bytes on a retry.
func (c *Client) SendEncoded(ctx context.Context, req Request, body []byte, access string) (*Response, error) {
	return c.send(ctx, req, body, access)
}

func (c *Client) send(ctx context.Context, req Request, body []byte, access string) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		httpReq.Header.Set("Authorization", "Bearer "+access)
	} else {
		httpReq.Header.Del("Authorization")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream %s %s: %w", method, req.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

// Login exchanges email and password for a new pair.
func (c *Client) Login(ctx context.Context, email, password string) (credentials.Pair, error) {
	resp, err := c.Send(ctx, Request{
		Method: http.MethodPost,
		Path:   LoginPath,
		Body:   map[string]string{"email": email, "password": password},
	}, "")
	if err != nil {
		return credentials.Pair{}, err
	}
	if !resp.OK() {
		return credentials.Pair{}, statusError(resp)
	}
	return decodePair(resp)
}

// Refresh exchanges the refresh credential for a new pair. A non-2xx answer
// is reported as ErrRenewalRejected wrapping the StatusError.
func (c *Client) Refresh(ctx context.Context, refresh string) (credentials.Pair, error) {
	resp, err := c.Send(ctx, Request{
		Method: http.MethodPost,
		Path:   RefreshPath,
		Body:   map[string]string{"refresh_token": refresh},
	}, "")
	if err != nil {
		return credentials.Pair{}, err
	}
	if !resp.OK() {
		return credentials.Pair{}, fmt.Errorf("%w: %w", ErrRenewalRejected, statusError(resp))
	}
	return decodePair(resp)
}

func (c *Client) Logout(ctx context.Context, refresh string) error {
	resp, err := c.Send(ctx, Request{
		Method: http.MethodPost,
		Path:   LogoutPath,
		Body:   map[string]string{"refresh_token": refresh},
	}, "")
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return nil
}

func decodePair(resp *Response) (credentials.Pair, error) {
	var pair credentials.Pair
	if err := resp.Decode(&pair); err != nil {
		return credentials.Pair{}, fmt.Errorf("%w: %w", ErrMalformedPair, err)
	}
	pair.Access = strings.TrimSpace(pair.Access)
	pair.Refresh = strings.TrimSpace(pair.Refresh)
	if !pair.Complete() {
		return credentials.Pair{}, ErrMalformedPair
	}
	return pair, nil
}

func statusError(resp *Response) *StatusError {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(resp.Body, &body)
	msg := body.Error
	if msg == "" {
		msg = body.Detail
	}
	return &StatusError{Status: resp.Status, Message: msg}
}

// EncodeBody normalizes a request body into its wire form. Structured values
// are JSON-encoded; bytes, strings and readers pass through.
func EncodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	case io.Reader:
		data, err := io.ReadAll(v)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		return data, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return data, nil
	}
}
