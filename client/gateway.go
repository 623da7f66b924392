package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Request describes one business API call routed through the Gateway.
// Path is relative to the configured base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
}

type pendingRequest struct {
	req    Request
	ctx    context.Context
	result chan Response
}

// Gateway routes every business request through a single choke point that
// attaches the bearer token, normalizes responses, and transparently
// recovers from a 401 with one refresh-then-retry cycle.
//
// While a refresh is in flight, newly rejected requests join a FIFO queue
// and are replayed in arrival order once the refresh resolves. Each request
// is retried at most once; a second 401 is returned as-is.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenService
	logger     *slog.Logger

	mu         sync.Mutex
	pending    []pendingRequest
	refreshing bool
}

// NewGateway creates a gateway. httpClient may be nil.
func NewGateway(cfg Config, tokens TokenService, httpClient *http.Client, logger *slog.Logger) *Gateway {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Gateway{
		baseURL:    cfg.Endpoints.BaseURL,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
	}
}

// Get issues a GET through the gateway.
func (g *Gateway) Get(ctx context.Context, path string, query url.Values) Response {
	return g.Execute(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post issues a POST with a JSON body through the gateway.
func (g *Gateway) Post(ctx context.Context, path string, body any) Response {
	return g.Execute(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put issues a PUT with a JSON body through the gateway.
func (g *Gateway) Put(ctx context.Context, path string, body any) Response {
	return g.Execute(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

// Delete issues a DELETE through the gateway.
func (g *Gateway) Delete(ctx context.Context, path string) Response {
	return g.Execute(ctx, Request{Method: http.MethodDelete, Path: path})
}

// Execute performs the request and returns a normalized envelope. It never
// returns a Go error: transport failures surface as a failure envelope so
// callers handle exactly one shape.
func (g *Gateway) Execute(ctx context.Context, req Request) Response {
	resp, retriable := g.do(ctx, req)
	if !retriable {
		return resp
	}

	// 401 on a business route: queue behind the shared refresh and replay
	// in arrival order.
	result := make(chan Response, 1)
	g.mu.Lock()
	g.pending = append(g.pending, pendingRequest{req: req, ctx: ctx, result: result})
	if !g.refreshing {
		g.refreshing = true
		go g.refreshAndDrain(ctx)
	}
	g.mu.Unlock()

	select {
	case r := <-result:
		return r
	case <-ctx.Done():
		return networkFailureResponse()
	}
}

// do performs one attempt. The second return reports whether the request is
// eligible for the refresh-then-retry cycle.
func (g *Gateway) do(ctx context.Context, req Request) (Response, bool) {
	httpReq, err := g.buildRequest(ctx, req)
	if err != nil {
		g.logger.Error("failed to build request",
			"function", "do",
			"method", req.Method,
			"path", req.Path,
			"error", err)
		return networkFailureResponse(), false
	}

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		g.logger.Warn("request transport failure",
			"function", "do",
			"method", req.Method,
			"path", req.Path,
			"error", err)
		return networkFailureResponse(), false
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return networkFailureResponse(), false
	}

	if httpResp.StatusCode == http.StatusUnauthorized && !isAuthPath(req.Path) {
		return Response{}, true
	}
	return normalizeResponse(httpResp.StatusCode, body), false
}

func (g *Gateway) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	fullURL := g.baseURL + "/" + strings.TrimPrefix(req.Path, "/")
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	token, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}

// refreshAndDrain runs the shared refresh, then replays queued requests in
// arrival order. New requests rejected during the drain re-enter the queue
// and keep this goroutine alive until the queue is empty.
func (g *Gateway) refreshAndDrain(ctx context.Context) {
	err := g.tokens.Refresh(ctx)

	for {
		g.mu.Lock()
		if len(g.pending) == 0 {
			g.refreshing = false
			g.mu.Unlock()
			return
		}
		next := g.pending[0]
		g.pending = g.pending[1:]
		g.mu.Unlock()

		if err != nil {
			g.logger.Warn("refresh failed, failing queued request",
				"function", "refreshAndDrain",
				"path", next.req.Path,
				"error", err)
			next.result <- sessionExpiredResponse()
			continue
		}

		// Replay; a second 401 is final for this request.
		resp, retriable := g.do(next.ctx, next.req)
		if retriable {
			resp = sessionExpiredResponse()
		}
		next.result <- resp
	}
}

func isAuthPath(path string) bool {
	return strings.HasPrefix(strings.TrimPrefix(path, "/"), "auth/")
}
