// Package sfapi is the REST transport against one connected org. It covers
// the describe, query, collection, blob and bulk ingest surfaces the
// migration engine drives; authorization is a ready access token supplied
// by the script.
package sfapi

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

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/orgmigrate/orgmigrate/pkg/constants"
	"github.com/orgmigrate/orgmigrate/pkg/errors"
)

const (
	contentTypeJSON = "application/json; charset=UTF-8"
	acceptJSON      = "application/json"
)

// Service executes REST calls against one org. All operations go through
// Call, which applies auth, the shared request budget and the retry policy.
type Service struct {
	baseURL     *url.URL
	asyncURL    *url.URL
	accessToken string
	apiVersion  string
	httpClient  *http.Client

	// sem bounds concurrent outbound requests across all engines.
	sem        *semaphore.Weighted
	maxRetries uint64

	requestTimeout time.Duration
	controlTimeout time.Duration
}

// New creates a transport for instanceURL (https://<my>.my.salesforce.com)
// using the given API version ("v58.0") and access token.
func New(instanceURL, apiVersion, accessToken string) (*Service, error) {
	if apiVersion == "" {
		apiVersion = constants.DefaultAPIVersion
	}
	base, err := url.Parse(strings.TrimSuffix(instanceURL, "/") + "/services/data/" + apiVersion + "/")
	if err != nil {
		return nil, fmt.Errorf("bad instance url %q: %w", instanceURL, err)
	}
	async, _ := url.Parse(strings.TrimSuffix(instanceURL, "/") + "/services/async/" + strings.TrimPrefix(apiVersion, "v") + "/")
	return &Service{
		baseURL:        base,
		asyncURL:       async,
		accessToken:    accessToken,
		apiVersion:     apiVersion,
		httpClient:     &http.Client{},
		sem:            semaphore.NewWeighted(constants.DefaultMaxConcurrentRequests),
		maxRetries:     3,
		requestTimeout: constants.DefaultRequestTimeout,
		controlTimeout: constants.DefaultControlRequestTimeout,
	}, nil
}

// WithURL rebases the service onto newURL; used with httptest.
func (sv *Service) WithURL(newURL string) *Service {
	snew := *sv
	snew.baseURL, _ = url.Parse(strings.TrimSuffix(newURL, "/") + "/")
	snew.asyncURL = snew.baseURL
	return &snew
}

// WithHTTPClient replaces the underlying client; used by tests.
func (sv *Service) WithHTTPClient(c *http.Client) *Service {
	snew := *sv
	snew.httpClient = c
	return &snew
}

// WithMaxConcurrentRequests bounds the shared request budget.
func (sv *Service) WithMaxConcurrentRequests(n int64) *Service {
	snew := *sv
	if n < 1 {
		n = 1
	}
	snew.sem = semaphore.NewWeighted(n)
	return &snew
}

// Instance returns the connected host.
func (sv *Service) Instance() string {
	if sv == nil || sv.baseURL == nil {
		return ""
	}
	return sv.baseURL.Host
}

// apiError is the JSON error body the platform returns.
type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

type callOptions struct {
	accept      string
	contentType string
	absolute    bool
	async       bool
	longTimeout bool
}

// Call performs one API operation with retries. If path begins with "/" or
// a scheme it is used as-is, otherwise it is appended to the service base
// path. body may be nil, an io.Reader (sent verbatim) or any value
// (marshaled as JSON). result may be nil, *[]byte (raw body) or a pointer
// decoded from JSON.
func (sv *Service) Call(ctx context.Context, method, path string, body, result interface{}) error {
	return sv.call(ctx, method, path, body, result, callOptions{})
}

func (sv *Service) call(ctx context.Context, method, path string, body, result interface{}, opts callOptions) error {
	var payload []byte
	contentType := opts.contentType
	switch val := body.(type) {
	case nil:
	case io.Reader:
		b, err := io.ReadAll(val)
		if err != nil {
			return errors.NewApiTransportError(method, path, 0, err)
		}
		payload = b
	case []byte:
		payload = val
	default:
		b, err := json.Marshal(body)
		if err != nil {
			return errors.NewApiTransportError(method, path, 0, err)
		}
		payload = b
		if contentType == "" {
			contentType = contentTypeJSON
		}
	}

	operation := func() error {
		return sv.doOnce(ctx, method, path, payload, contentType, result, opts)
	}
	notRetryable := func(err error) error {
		if errors.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), sv.maxRetries), ctx)
	return backoff.Retry(func() error { return notRetryable(operation()) }, bo)
}

func (sv *Service) doOnce(ctx context.Context, method, path string, payload []byte, contentType string, result interface{}, opts callOptions) error {
	if err := sv.sem.Acquire(ctx, 1); err != nil {
		return errors.NewApiTransportError(method, path, 0, err)
	}
	defer sv.sem.Release(1)

	timeout := sv.controlTimeout
	if opts.longTimeout {
		timeout = sv.requestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callURL, err := sv.resolve(path, opts)
	if err != nil {
		return errors.NewApiTransportError(method, path, 0, err)
	}

	var rqBody io.Reader
	if payload != nil {
		rqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, callURL.String(), rqBody)
	if err != nil {
		return errors.NewApiTransportError(method, path, 0, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	} else if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	if opts.accept != "" {
		req.Header.Set("Accept", opts.accept)
	} else {
		req.Header.Set("Accept", acceptJSON)
	}
	if sv.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+sv.accessToken)
	}

	res, err := sv.httpClient.Do(req)
	if err != nil {
		return errors.NewApiTransportError(method, path, 0, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := readErrorBody(res.Body)
		return errors.NewApiTransportError(method, path, res.StatusCode, fmt.Errorf("%s", msg))
	}

	switch rx := result.(type) {
	case nil:
		io.Copy(io.Discard, res.Body)
		return nil
	case *[]byte:
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return errors.NewApiTransportError(method, path, 0, err)
		}
		*rx = b
		return nil
	default:
		if err := json.NewDecoder(res.Body).Decode(result); err != nil {
			return errors.NewApiTransportError(method, path, 0, fmt.Errorf("decoding response: %w", err))
		}
		return nil
	}
}

func (sv *Service) resolve(path string, opts callOptions) (*url.URL, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return url.Parse(path)
	}
	base := sv.baseURL
	if opts.async {
		base = sv.asyncURL
	}
	callURL, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(path, "/") {
		callURL.Path = base.Path + callURL.Path
	}
	callURL.Scheme = base.Scheme
	callURL.Host = base.Host
	return callURL, nil
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 16*1024))
	var many []apiError
	if err := json.Unmarshal(b, &many); err == nil && len(many) > 0 {
		return many[0].ErrorCode + ": " + many[0].Message
	}
	var one apiError
	if err := json.Unmarshal(b, &one); err == nil && one.Message != "" {
		return one.ErrorCode + ": " + one.Message
	}
	return strings.TrimSpace(string(b))
}
