// Package edgestore backs the storage contract with a managed edge key/value
// service over its REST API. Conditional writes use ETag/If-Match, which the
// edge service enforces at the accepting region.
//
// Consistency caveat for operators: edge KV replicates asynchronously across
// points of presence, so a revocation written here may remain unobserved at
// another region for a short window. Use the Redis backend when revocation
// visibility must be immediate.
package edgestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/sessionworks/go-session-server/storage"
)

var _ storage.Backend = (*Store)(nil)

// Config holds the endpoint and credentials for the edge KV namespace.
type Config struct {
	BaseURL  string // e.g. https://kv.example.com/v1/namespaces/sessions
	APIToken string
	Timeout  time.Duration // per-request timeout, default 10s
}

// Store is an edge-KV-backed storage.Backend.
type Store struct {
	baseURL string
	token   string
	client  *http.Client
}

func New(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Store{
		baseURL: cfg.BaseURL,
		token:   cfg.APIToken,
		client:  &http.Client{Timeout: timeout},
	}
}

type listResponse struct {
	Keys   []string `json:"keys"`
	Cursor string   `json:"cursor"`
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.getWithETag(ctx, key)
	return value, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	resp, err := s.do(ctx, http.MethodPut, s.valueURL(key, ttl), value, "")
	if err != nil {
		return errors.Wrap(err, "[edgestore.Set]")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errors.Errorf("[edgestore.Set] unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	resp, err := s.do(ctx, http.MethodDelete, s.valueURL(key, 0), nil, "")
	if err != nil {
		return errors.Wrap(err, "[edgestore.Delete]")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("[edgestore.Delete] unexpected status %d", resp.StatusCode)
	}
	return nil
}

// CompareAndSwap uses the service's ETag support: the current entity tag is
// read alongside the value and replayed via If-Match, so a concurrent write
// between read and write surfaces as 412 and the swap reports false.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, replacement []byte, ttl time.Duration) (bool, error) {
	current, etag, err := s.getWithETag(ctx, key)
	switch {
	case err == storage.ErrNotFound:
		if expected != nil {
			return false, nil
		}
	case err != nil:
		return false, errors.Wrap(err, "[edgestore.CompareAndSwap] read")
	default:
		if expected == nil || !bytes.Equal(current, expected) {
			return false, nil
		}
	}

	ifMatch := etag
	if expected == nil {
		ifMatch = "*absent*" // service convention: write only if the key does not exist
	}

	method := http.MethodPut
	target := s.valueURL(key, ttl)
	var body []byte
	if replacement == nil {
		method = http.MethodDelete
		target = s.valueURL(key, 0)
	} else {
		body = replacement
	}

	resp, err := s.do(ctx, method, target, body, ifMatch)
	if err != nil {
		return false, errors.Wrap(err, "[edgestore.CompareAndSwap] write")
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return true, nil
	case http.StatusPreconditionFailed, http.StatusNotFound:
		return false, nil
	default:
		return false, errors.Errorf("[edgestore.CompareAndSwap] unexpected status %d", resp.StatusCode)
	}
}

func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	cursor := ""
	for {
		target := fmt.Sprintf("%s/keys?prefix=%s&cursor=%s", s.baseURL, url.QueryEscape(prefix), url.QueryEscape(cursor))
		resp, err := s.do(ctx, http.MethodGet, target, nil, "")
		if err != nil {
			return errors.Wrap(err, "[edgestore.Scan] list")
		}
		var page listResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if decodeErr != nil {
			return errors.Wrap(decodeErr, "[edgestore.Scan] decode")
		}

		for _, key := range page.Keys {
			value, _, err := s.getWithETag(ctx, key)
			if err == storage.ErrNotFound {
				continue // expired between list and read
			}
			if err != nil {
				return errors.Wrap(err, "[edgestore.Scan] get")
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}

		if page.Cursor == "" {
			return nil
		}
		cursor = page.Cursor
	}
}

func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Store) getWithETag(ctx context.Context, key string) ([]byte, string, error) {
	resp, err := s.do(ctx, http.MethodGet, s.valueURL(key, 0), nil, "")
	if err != nil {
		return nil, "", errors.Wrap(err, "[edgestore.getWithETag]")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, "", storage.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Errorf("[edgestore.getWithETag] unexpected status %d", resp.StatusCode)
	}
	value, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errors.Wrap(err, "[edgestore.getWithETag] read body")
	}
	return value, resp.Header.Get("ETag"), nil
}

func (s *Store) valueURL(key string, ttl time.Duration) string {
	target := s.baseURL + "/values/" + url.PathEscape(key)
	if ttl > 0 {
		target += "?ttl_seconds=" + strconv.Itoa(int(ttl.Seconds()))
	}
	return target
}

func (s *Store) do(ctx context.Context, method, target string, body []byte, ifMatch string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	return s.client.Do(req)
}
