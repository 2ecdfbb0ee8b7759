package externalprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
	"github.com/tendant/portal-oauth/pkg/tokencodec"
)

const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a provider response is read.
	maxResponseBytes = 1 << 20
)

// NewHTTPClient returns a client whose connection setup is bounded by
// dialTimeout and whose whole request is bounded by totalTimeout.
func NewHTTPClient(dialTimeout, totalTimeout time.Duration) *http.Client {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if totalTimeout <= 0 {
		totalTimeout = DefaultRequestTimeout
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: totalTimeout,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: totalTimeout}
}

// AdapterOption configures the collaborators shared by every adapter
type AdapterOption func(*adapterOptions)

type adapterOptions struct {
	httpClient *http.Client
	codec      *tokencodec.Codec
}

// WithHTTPClient sets the HTTP client used for provider calls
func WithHTTPClient(client *http.Client) AdapterOption {
	return func(o *adapterOptions) {
		o.httpClient = client
	}
}

// WithCodec sets the codec used by Serialize and Deserialize
func WithCodec(codec *tokencodec.Codec) AdapterOption {
	return func(o *adapterOptions) {
		o.codec = codec
	}
}

func buildAdapterOptions(opts []AdapterOption) adapterOptions {
	o := adapterOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = NewHTTPClient(DefaultDialTimeout, DefaultRequestTimeout)
	}
	if o.codec == nil {
		o.codec = tokencodec.New()
	}
	return o
}

// doJSON sends req and decodes a JSON object response. Any failure becomes a
// ProviderCommunicationError for the given stage.
func doJSON(client *http.Client, req *http.Request, provider string, stage oautherrors.Stage) (map[string]interface{}, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, oautherrors.NewProviderError(provider, stage, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, oautherrors.NewProviderError(provider, stage, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &oautherrors.ProviderCommunicationError{
			Provider:   provider,
			Stage:      stage,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", truncate(string(body), 200)),
		}
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, oautherrors.NewProviderError(provider, stage, fmt.Errorf("failed to parse response: %w", err))
	}
	return data, nil
}

// doNoContent sends req and only checks the status code.
func doNoContent(client *http.Client, req *http.Request, provider string, stage oautherrors.Stage) error {
	resp, err := client.Do(req)
	if err != nil {
		return oautherrors.NewProviderError(provider, stage, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &oautherrors.ProviderCommunicationError{
			Provider:   provider,
			Stage:      stage,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", truncate(string(body), 200)),
		}
	}
	return nil
}

func newRequest(ctx context.Context, method, rawURL string, body io.Reader, provider string, stage oautherrors.Stage) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, oautherrors.NewProviderError(provider, stage, fmt.Errorf("failed to create request: %w", err))
	}
	return req, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
