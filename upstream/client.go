package upstream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
	"github.com/Vincy69/mcp-drupal-server-sub002/utils"
)

type clientState int32

const (
	clientRunning clientState = iota
	clientStopped
)

const defaultRequestTimeout = 10 * time.Second

// HTTPClient talks to one named upstream. It carries no retry logic of its
// own; the pipeline decides when an attempt is repeated.
type HTTPClient struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  types.Logger
	name    string
	client  *fasthttp.Client
	config  *types.UpstreamConfig
	timeout time.Duration
	state   atomic.Int32
}

func NewHTTPClient(ctx context.Context, logger types.Logger, name string, config *types.UpstreamConfig) (*HTTPClient, error) {
	if config == nil || config.BaseURL == "" {
		return nil, types.Errorf(types.ErrUpstreamNotConfigured, "upstream %q", name)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	clientCtx, cancel := context.WithCancel(ctx)

	return &HTTPClient{
		ctx:    clientCtx,
		cancel: cancel,
		logger: logger,
		name:   name,
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		config:  config,
		timeout: timeout,
	}, nil
}

func (c *HTTPClient) Name() string {
	return c.name
}

// Call performs a single request against the upstream and returns the raw
// response body. Non-2xx responses are reported as ErrUpstreamResponse;
// transport failures as ErrUpstreamUnavailable.
func (c *HTTPClient) Call(ctx context.Context, method, path string, data interface{}) ([]byte, int, error) {
	if !c.IsRunning() {
		return nil, 0, types.ErrManagerNotRunning
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)

	if data != nil {
		jsonData, err := utils.Marshal(data)
		if err != nil {
			return nil, 0, types.WrapError(err, "failed to marshal request data")
		}
		req.SetBody(jsonData)
		req.Header.SetContentType("application/json")
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	done := make(chan struct{})
	var callErr error
	go func() {
		defer close(done)
		callErr = c.client.DoTimeout(req, resp, timeout)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-c.ctx.Done():
		return nil, 0, types.NewErrorf("client shutting down, aborting call to upstream %s", c.name)
	}

	if callErr != nil {
		return nil, 0, types.Errorf(types.ErrUpstreamUnavailable, "upstream %s: %v", c.name, callErr)
	}

	statusCode := resp.StatusCode()
	if statusCode < 200 || statusCode >= 300 {
		return nil, statusCode, types.Errorf(types.ErrUpstreamResponse, "upstream %s: HTTP %d", c.name, statusCode)
	}

	responseBody := make([]byte, len(resp.Body()))
	copy(responseBody, resp.Body())

	return responseBody, statusCode, nil
}

// Probe checks reachability via the configured probe path.
func (c *HTTPClient) Probe(ctx context.Context) error {
	path := c.config.ProbePath
	if path == "" {
		path = "/"
	}

	_, _, err := c.Call(ctx, fasthttp.MethodGet, path, nil)
	if err != nil {
		c.logger.Debug("Upstream probe failed",
			zap.String("upstream", c.name),
			zap.Error(err))
		return types.Errorf(types.ErrUpstreamProbeFailed, "upstream %s: %v", c.name, err)
	}
	return nil
}

func (c *HTTPClient) Close() {
	if !c.state.CompareAndSwap(int32(clientRunning), int32(clientStopped)) {
		return
	}

	c.cancel()
	c.logger.Debug("Upstream client closed", zap.String("upstream", c.name))
}

func (c *HTTPClient) IsRunning() bool {
	return clientState(c.state.Load()) == clientRunning
}
