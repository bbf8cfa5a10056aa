package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shouni/go-http-kit/httpkit"

	"caption-sky/server/internal/captions"
)

const (
	restColumns = "id,content,like_count,created_datetime_utc,is_public"

	restRetryInterval    = 200 * time.Millisecond
	restMaxRetryInterval = 2 * time.Second
)

// RESTConfig addresses a hosted table behind a PostgREST style endpoint.
type RESTConfig struct {
	BaseURL string
	APIKey  string
	Table   string
	Limit   int
	Timeout time.Duration
	// Retries bounds the retry attempts for 5xx and transport failures;
	// zero keeps the client default.
	Retries uint64

	// AllowPrivateNetwork permits loopback and private addresses, e.g. a
	// locally hosted table.
	AllowPrivateNetwork bool
}

// REST fetches the most recent captions from the hosted table.
type REST struct {
	cfg    RESTConfig
	client httpkit.Requester
}

// NewRESTClient builds the http client a REST source uses for cfg.
func NewRESTClient(cfg RESTConfig) *httpkit.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = httpkit.DefaultHTTPTimeout
	}
	return httpkit.New(timeout,
		httpkit.WithMaxRetries(cfg.Retries),
		httpkit.WithInitialInterval(restRetryInterval),
		httpkit.WithMaxInterval(restMaxRetryInterval),
		httpkit.WithSkipNetworkValidation(cfg.AllowPrivateNetwork),
	)
}

// NewREST returns a REST source issuing requests through client. A nil
// client is built from cfg.
func NewREST(cfg RESTConfig, client httpkit.Requester) *REST {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Limit <= 0 {
		cfg.Limit = captions.FetchLimit
	}
	if client == nil {
		client = NewRESTClient(cfg)
	}
	return &REST{cfg: cfg, client: client}
}

func (r *REST) endpoint() (string, error) {
	if r.cfg.BaseURL == "" {
		return "", fmt.Errorf("caption endpoint: missing base url")
	}
	base, err := url.Parse(strings.TrimRight(r.cfg.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("caption endpoint: %w", err)
	}
	base.Path += "/rest/v1/" + url.PathEscape(r.cfg.Table)
	query := url.Values{}
	query.Set("select", restColumns)
	query.Set("order", "created_datetime_utc.desc")
	query.Set("limit", strconv.Itoa(r.cfg.Limit))
	base.RawQuery = query.Encode()
	return base.String(), nil
}

type restError struct {
	Message string `json:"message"`
}

func (r *REST) Fetch(ctx context.Context) ([]captions.Record, error) {
	endpoint, err := r.endpoint()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build caption request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("apikey", r.cfg.APIKey)
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	body, err := r.client.DoRequest(req)
	if err != nil {
		return nil, statusError(err)
	}

	var records []captions.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode captions: %w", err)
	}
	return records, nil
}

// statusError surfaces the endpoint's own message for rejected requests.
func statusError(err error) error {
	var httpErr *httpkit.NonRetryableHTTPError
	if !errors.As(err, &httpErr) {
		return fmt.Errorf("fetch captions: %w", err)
	}
	status := fmt.Sprintf("%d %s", httpErr.StatusCode, http.StatusText(httpErr.StatusCode))
	var apiErr restError
	if json.Unmarshal(httpErr.Body, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("fetch captions: %s: %s", status, apiErr.Message)
	}
	return fmt.Errorf("fetch captions: %s", status)
}
