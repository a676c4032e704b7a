package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/auth"
)

const maxBlobBytes = 32 << 20

var errMissingBlobURL = errors.New("blob url is required")

// HTTPBlobStoreConfig configures an HTTPBlobStore.
type HTTPBlobStoreConfig struct {
	URL    string
	Token  string
	Client *http.Client
}

// HTTPBlobStore reads and replaces a JSON document at a URL with GET and PUT.
type HTTPBlobStore struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPBlobStore builds a store for the given URL.
func NewHTTPBlobStore(cfg HTTPBlobStoreConfig) (*HTTPBlobStore, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errMissingBlobURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPBlobStore{url: url, token: cfg.Token, client: client}, nil
}

func (s *HTTPBlobStore) Load(ctx context.Context) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	s.authorize(request)

	response, err := s.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return nil, ErrBlobNotFound
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("blob load: unexpected status %d", response.StatusCode)
	}
	return io.ReadAll(io.LimitReader(response.Body, maxBlobBytes))
}

func (s *HTTPBlobStore) Save(ctx context.Context, payload []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	s.authorize(request)

	response, err := s.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("blob save: unexpected status %d", response.StatusCode)
	}
	return nil
}

func (s *HTTPBlobStore) authorize(request *http.Request) {
	if s.token != "" {
		request.Header.Set("Authorization", auth.AuthorizationHeader(s.token))
	}
}
