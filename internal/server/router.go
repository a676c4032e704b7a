// Package server implements the relay: the remote source of truth that clients pull
// snapshots from, push entities to, and subscribe to for live snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/auth"
	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"github.com/MarcoPoloResearchLab/forumsync/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "forumsync_user_id"
	lastUpdatedKey   = "last_updated"
	maxBodyBytes     = 32 << 20
	liveWriteTimeout = 10 * time.Second
)

var (
	errMissingStore         = errors.New("relay store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Store is the relay's storage. The client cache store satisfies it.
type Store interface {
	Read(collection forum.CollectionName) forum.Snapshot
	Populated(collection forum.CollectionName) bool
	Write(ctx context.Context, collection forum.CollectionName, id string, doc forum.Document) error
	Delete(ctx context.Context, collection forum.CollectionName, id string) (bool, error)
	Overwrite(ctx context.Context, snapshot forum.Snapshot) (bool, error)
}

// TokenValidator checks bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the relay handler. Tokens is optional; without it every route is
// open.
type Dependencies struct {
	Store    Store
	Tokens   TokenValidator
	Realtime *RealtimeDispatcher
	Metrics  *metrics.Collectors
	Gatherer prometheus.Gatherer
	Clock    func() time.Time
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	handler := &httpHandler{
		store:    deps.Store,
		tokens:   deps.Tokens,
		realtime: realtime,
		metrics:  deps.Metrics,
		clock:    clock,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(handler.recordRequest)

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	protected := router.Group("/")
	if deps.Tokens != nil {
		protected.Use(handler.authorizeRequest)
	}
	protected.GET("/blob", handler.handleGetBlob)
	protected.PUT("/blob", handler.handlePutBlob)
	protected.GET("/collections/:collection", handler.handleGetCollection)
	protected.PUT("/collections/:collection/:id", handler.handlePutEntity)
	protected.DELETE("/collections/:collection/:id", handler.handleDeleteEntity)
	protected.GET("/live", handler.handleLive)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	store    Store
	tokens   TokenValidator
	realtime *RealtimeDispatcher
	metrics  *metrics.Collectors
	clock    func() time.Time
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type collectionPayload struct {
	Collection string           `json:"collection"`
	Documents  []forum.Document `json:"documents"`
}

func (h *httpHandler) recordRequest(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.metrics.RelayRequest(route, c.Writer.Status())
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleGetBlob serves every collection the relay knows in the shared-document shape.
// A relay that never received anything answers 404 so the first client seeds it.
func (h *httpHandler) handleGetBlob(c *gin.Context) {
	fields := gin.H{}
	for _, collection := range forum.AllCollections() {
		snapshot := h.store.Read(collection)
		if snapshot.Len() == 0 && !h.store.Populated(collection) {
			continue
		}
		fields[collection.String()] = nonNil(snapshot.Documents)
	}
	if len(fields) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	fields[lastUpdatedKey] = h.clock().UTC().UnixMilli()
	c.JSON(http.StatusOK, fields)
}

// handlePutBlob replaces every collection present in the body. Absent collections are
// left alone.
func (h *httpHandler) handlePutBlob(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	snapshots := make([]forum.Snapshot, 0, len(fields))
	for _, collection := range changedCollections(fields) {
		var documents []forum.Document
		if err := json.Unmarshal(fields[collection.String()], &documents); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_collection", "collection": collection.String()})
			return
		}
		snapshots = append(snapshots, forum.Snapshot{Collection: collection, Documents: withIDs(documents), Confirmed: true})
	}

	for _, snapshot := range snapshots {
		if _, err := h.store.Overwrite(c.Request.Context(), snapshot); err != nil {
			h.logger.Error("blob overwrite failed", zap.String("collection", snapshot.Collection.String()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
			return
		}
		h.announce(snapshot.Collection)
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetCollection(c *gin.Context) {
	collection, ok := h.collectionParam(c)
	if !ok {
		return
	}
	snapshot := h.store.Read(collection)
	c.JSON(http.StatusOK, collectionPayload{Collection: collection.String(), Documents: nonNil(snapshot.Documents)})
}

func (h *httpHandler) handlePutEntity(c *gin.Context) {
	collection, ok := h.collectionParam(c)
	if !ok {
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	doc, err := forum.ParseDocument(raw)
	if err != nil || id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document"})
		return
	}
	if bodyID := doc.ID(); bodyID != "" && bodyID != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id_mismatch"})
		return
	}
	doc[forum.FieldID] = id
	if err := h.store.Write(c.Request.Context(), collection, id, doc); err != nil {
		h.logger.Error("entity write failed", zap.String("collection", collection.String()), zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
		return
	}
	h.announce(collection)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteEntity(c *gin.Context) {
	collection, ok := h.collectionParam(c)
	if !ok {
		return
	}
	removed, err := h.store.Delete(c.Request.Context(), collection, c.Param("id"))
	if err != nil {
		h.logger.Error("entity delete failed", zap.String("collection", collection.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
		return
	}
	if removed {
		h.announce(collection)
	}
	c.Status(http.StatusNoContent)
}

// handleLive upgrades to a WebSocket that receives the collection's snapshot right away
// and again after every change.
func (h *httpHandler) handleLive(c *gin.Context) {
	collection, err := forum.ParseCollection(c.Query("collection"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_collection"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("live upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stream, cleanup := h.realtime.Subscribe(ctx, collection)
	defer cleanup()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.sendSnapshot(conn, collection); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-stream:
			if !ok {
				return
			}
			if err := h.sendSnapshot(conn, collection); err != nil {
				h.logger.Debug("live subscriber gone", zap.String("collection", collection.String()), zap.Error(err))
				return
			}
		}
	}
}

func (h *httpHandler) sendSnapshot(conn *websocket.Conn, collection forum.CollectionName) error {
	snapshot := h.store.Read(collection)
	if err := conn.SetWriteDeadline(h.clock().Add(liveWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(collectionPayload{Collection: collection.String(), Documents: nonNil(snapshot.Documents)})
}

func (h *httpHandler) announce(collection forum.CollectionName) {
	h.realtime.Publish(RealtimeMessage{Collection: collection, Timestamp: h.clock().UTC()})
}

func (h *httpHandler) collectionParam(c *gin.Context) (forum.CollectionName, bool) {
	collection, err := forum.ParseCollection(c.Param("collection"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_collection"})
		return "", false
	}
	return collection, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

// changedCollections lists the known collections present in a shared-document body in
// a stable order.
func changedCollections(fields map[string]json.RawMessage) []forum.CollectionName {
	var collections []forum.CollectionName
	for key, value := range fields {
		collection, err := forum.ParseCollection(key)
		if err != nil || strings.TrimSpace(string(value)) == "null" {
			continue
		}
		collections = append(collections, collection)
	}
	sort.Slice(collections, func(i, j int) bool { return collections[i] < collections[j] })
	return collections
}

func withIDs(documents []forum.Document) []forum.Document {
	kept := make([]forum.Document, 0, len(documents))
	for _, doc := range documents {
		if doc != nil && doc.ID() != "" {
			kept = append(kept, doc)
		}
	}
	return kept
}

func nonNil(documents []forum.Document) []forum.Document {
	if documents == nil {
		return []forum.Document{}
	}
	return documents
}
