package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultRequestTimeout = 30 * time.Second

	maxErrorBody = 512
)

// HTTPSource talks to the remote photo service over HTTP/JSON.
type HTTPSource struct {
	base   *url.URL
	client *http.Client
}

type HTTPOption func(*HTTPSource)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		if c != nil {
			s.client = c
		}
	}
}

func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		if d > 0 {
			s.client.Timeout = d
		}
	}
}

func NewHTTPSource(baseURL string, opts ...HTTPOption) (*HTTPSource, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}

	s := &HTTPSource{
		base:   u,
		client: &http.Client{Timeout: DefaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type activateRequest struct {
	Key string `json:"key"`
}

type activateResponse struct {
	Token string `json:"token"`
}

type photosResponse struct {
	Photos []Item `json:"photos"`
}

type ackRequest struct {
	Filenames []string `json:"filenames"`
}

func (s *HTTPSource) Register(ctx context.Context, key string) (string, error) {
	var resp activateResponse
	if err := s.doJSON(ctx, "activate", http.MethodPost, s.endpoint("api", "v1", "devices", "activate"), "", activateRequest{Key: key}, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("activate: response carried no token")
	}
	return resp.Token, nil
}

func (s *HTTPSource) ListPending(ctx context.Context, token, sessionID string) ([]Item, error) {
	u := s.endpoint("api", "v1", "sessions", sessionID, "photos")
	u.RawQuery = url.Values{"status": []string{"pending"}}.Encode()

	var resp photosResponse
	if err := s.doJSON(ctx, "list photos", http.MethodGet, u, token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Photos, nil
}

// Download returns the photo body. Read failures on the body surface as
// *NetworkError.
func (s *HTTPSource) Download(ctx context.Context, token string, item Item) (io.ReadCloser, error) {
	ref, err := url.Parse(item.URL)
	if err != nil {
		return nil, fmt.Errorf("download %s: parse url: %w", item.Filename, err)
	}
	u := s.base.ResolveReference(ref)
	if !ref.IsAbs() && !strings.HasPrefix(item.URL, "/") {
		u = s.base.JoinPath(ref.Path)
		u.RawQuery = ref.RawQuery
	}

	resp, err := s.do(ctx, "download "+item.Filename, http.MethodGet, u, token, nil)
	if err != nil {
		return nil, err
	}
	return &networkReader{op: "download " + item.Filename, rc: resp.Body}, nil
}

func (s *HTTPSource) Acknowledge(ctx context.Context, token, sessionID string, filenames []string) error {
	u := s.endpoint("api", "v1", "sessions", sessionID, "photos", "ack")
	return s.doJSON(ctx, "acknowledge", http.MethodPost, u, token, ackRequest{Filenames: filenames}, nil)
}

func (s *HTTPSource) CheckConnectivity(ctx context.Context, token string) bool {
	resp, err := s.do(ctx, "health", http.MethodGet, s.endpoint("api", "v1", "health"), token, nil)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}

func (s *HTTPSource) endpoint(elem ...string) *url.URL {
	return s.base.JoinPath(elem...)
}

func (s *HTTPSource) doJSON(ctx context.Context, op, method string, u *url.URL, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := s.do(ctx, op, method, u, token, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if IsNetworkError(err) {
			return &NetworkError{Op: op, Err: err}
		}
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// do sends the request and returns the response for any 2xx status. The caller
// closes the body.
func (s *HTTPSource) do(ctx context.Context, op, method string, u *url.URL, token string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

type networkReader struct {
	op string
	rc io.ReadCloser
}

func (r *networkReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err != nil && err != io.EOF {
		return n, &NetworkError{Op: r.op, Err: err}
	}
	return n, err
}

func (r *networkReader) Close() error { return r.rc.Close() }

// tokenExpiry reads the exp claim of a JWT without verifying it. Opaque tokens
// have no expiry.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
