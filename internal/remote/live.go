package remote

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

	"github.com/MarcoPoloResearchLab/forumsync/internal/auth"
	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

var errInvalidRelayURL = errors.New("relay url must be an absolute http(s) url")

// LiveConfig configures a LiveAdapter.
type LiveConfig struct {
	BaseURL    string
	Token      string
	Client     *http.Client
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *zap.Logger
}

// LiveAdapter is the subscription variant: per-collection REST endpoints for pull and
// push, and one WebSocket per collection streaming snapshots on every change.
type LiveAdapter struct {
	base       *url.URL
	token      string
	client     *http.Client
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *zap.Logger
}

// NewLiveAdapter builds a LiveAdapter against a relay base URL.
func NewLiveAdapter(cfg LiveConfig) (*LiveAdapter, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, forum.NewServiceError("remote.live.new", "invalid_url", errInvalidRelayURL)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = defaultMaxBackoff
		if maxBackoff < minBackoff {
			maxBackoff = minBackoff
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveAdapter{
		base:       base,
		token:      cfg.Token,
		client:     client,
		dialer:     dialer,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		logger:     logger,
	}, nil
}

// Pull fetches one collection. Every successful response is a confirmed snapshot.
func (a *LiveAdapter) Pull(ctx context.Context, collection forum.CollectionName) (forum.Snapshot, error) {
	endpoint := a.base.JoinPath("collections", collection.String())
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return forum.Snapshot{}, syncFailure("pull", collection, err)
	}
	a.authorize(request.Header)

	response, err := a.client.Do(request)
	if err != nil {
		return forum.Snapshot{}, syncFailure("pull", collection, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return forum.Snapshot{}, syncFailure("pull", collection, fmt.Errorf("unexpected status %d", response.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxBlobBytes))
	if err != nil {
		return forum.Snapshot{}, syncFailure("pull", collection, err)
	}
	snapshot, err := decodeWireSnapshot(raw, collection)
	if err != nil {
		return forum.Snapshot{}, syncFailure("pull", collection, err)
	}
	return snapshot, nil
}

// Push upserts the full entity or deletes it.
func (a *LiveAdapter) Push(ctx context.Context, change forum.Change) error {
	collection := change.Mutation.Collection
	endpoint := a.base.JoinPath("collections", collection.String(), change.Mutation.ID)

	method := http.MethodPut
	var body io.Reader
	if change.Removed() {
		method = http.MethodDelete
	} else {
		raw, err := change.Entity.Marshal()
		if err != nil {
			return syncFailure("push", collection, err)
		}
		body = bytes.NewReader(raw)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return syncFailure("push", collection, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	a.authorize(request.Header)

	response, err := a.client.Do(request)
	if err != nil {
		return syncFailure("push", collection, err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return syncFailure("push", collection, fmt.Errorf("unexpected status %d", response.StatusCode))
	}
	return nil
}

// Watch holds one subscription per collection until ctx is done, reconnecting with
// capped exponential backoff.
func (a *LiveAdapter) Watch(ctx context.Context, collections []forum.CollectionName, deliver func(forum.Snapshot)) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, collection := range collections {
		group.Go(func() error {
			a.watchCollection(groupCtx, collection, deliver)
			return nil
		})
	}
	return group.Wait()
}

func (a *LiveAdapter) watchCollection(ctx context.Context, collection forum.CollectionName, deliver func(forum.Snapshot)) {
	backoff := a.minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := a.stream(ctx, collection, deliver)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = a.minBackoff
		}
		a.logger.Warn("live subscription interrupted",
			zap.String("collection", collection.String()),
			zap.Duration("retry_in", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > a.maxBackoff {
			backoff = a.maxBackoff
		}
	}
}

func (a *LiveAdapter) stream(ctx context.Context, collection forum.CollectionName, deliver func(forum.Snapshot)) (bool, error) {
	endpoint := a.base.JoinPath("live")
	if endpoint.Scheme == "https" {
		endpoint.Scheme = "wss"
	} else {
		endpoint.Scheme = "ws"
	}
	query := endpoint.Query()
	query.Set("collection", collection.String())
	endpoint.RawQuery = query.Encode()

	header := http.Header{}
	a.authorize(header)
	conn, _, err := a.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		return false, err
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
		case <-finished:
		}
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		snapshot, err := decodeWireSnapshot(raw, collection)
		if err != nil {
			a.logger.Warn("discarding malformed live frame", zap.String("collection", collection.String()), zap.Error(err))
			continue
		}
		deliver(snapshot)
	}
}

func (a *LiveAdapter) authorize(header http.Header) {
	if a.token != "" {
		header.Set("Authorization", auth.AuthorizationHeader(a.token))
	}
}

func decodeWireSnapshot(raw []byte, collection forum.CollectionName) (forum.Snapshot, error) {
	var payload WireSnapshot
	if err := json.Unmarshal(raw, &payload); err != nil {
		return forum.Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.Collection != collection.String() {
		return forum.Snapshot{}, fmt.Errorf("%w: collection %q, want %q", ErrMalformedPayload, payload.Collection, collection)
	}
	documents := make([]forum.Document, 0, len(payload.Documents))
	for _, item := range payload.Documents {
		if item != nil && item.ID() != "" {
			documents = append(documents, item)
		}
	}
	return forum.Snapshot{Collection: collection, Documents: documents, Confirmed: true}, nil
}
