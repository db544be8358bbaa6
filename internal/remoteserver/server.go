// Package remoteserver is a reference remote store: a gin HTTP server that
// applies last-write-wins to entity writes. It backs local development and
// end-to-end tests of the sync engine.
package remoteserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/matchops/localsync/internal/auth"
	"github.com/matchops/localsync/internal/logging"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync/httpremote"
)

const deviceIDKey = "deviceID"

// Config configures the router.
type Config struct {
	// JWTSecret enables bearer token checks on the API when set.
	JWTSecret    string
	AllowOrigins []string
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config, store *Store) *gin.Engine {
	h := &handler{store: store}

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.GET(httpremote.HealthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(authRequired(cfg.JWTSecret))
	{
		v1.GET("/entities/:type/:id", h.getEntity)
		v1.PUT("/entities/:type/:id", h.putEntity)
		v1.DELETE("/entities/:type/:id", h.deleteEntity)
		v1.POST("/batch/:type", h.batch)
	}
	return r
}

// DeviceIDFromContext returns the authenticated device, if any.
func DeviceIDFromContext(c *gin.Context) string {
	return c.GetString(deviceIDKey)
}

func authRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpremote.ErrorBody{Error: "missing bearer token"})
			return
		}
		claims, err := auth.ValidateToken(header, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpremote.ErrorBody{Error: "unauthorized"})
			return
		}
		c.Set(deviceIDKey, claims.DeviceID)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("Remote request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"device_id":   DeviceIDFromContext(c),
		})
	}
}

type handler struct {
	store *Store
}

func (h *handler) getEntity(c *gin.Context) {
	doc, err := h.store.Get(c.Request.Context(), models.EntityType(c.Param("type")), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if doc == nil {
		c.JSON(http.StatusNotFound, httpremote.ErrorBody{Error: "not found"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *handler) putEntity(c *gin.Context) {
	h.writeEntity(c, false)
}

func (h *handler) deleteEntity(c *gin.Context) {
	h.writeEntity(c, true)
}

func (h *handler) writeEntity(c *gin.Context, isDelete bool) {
	var body httpremote.EntityWrite
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, httpremote.ErrorBody{Error: "invalid json body"})
		return
	}
	if isDelete {
		body.Operation = models.OperationDelete
	} else if body.Operation == models.OperationDelete {
		c.JSON(http.StatusBadRequest, httpremote.ErrorBody{Error: "use DELETE to delete an entity"})
		return
	}

	if _, err := h.store.Write(c.Request.Context(), models.EntityType(c.Param("type")), c.Param("id"), body); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) batch(c *gin.Context) {
	var body httpremote.BatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, httpremote.ErrorBody{Error: "invalid json body"})
		return
	}
	results, err := h.store.ApplyBatch(c.Request.Context(), models.EntityType(c.Param("type")), body.Operations, body.Atomic)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpremote.BatchResponse{Atomic: body.Atomic, Results: results})
}

func (h *handler) writeError(c *gin.Context, err error) {
	var we *WriteError
	if errors.As(err, &we) {
		c.JSON(we.Status, httpremote.ErrorBody{Error: we.Msg, UpdatedAt: we.UpdatedAt})
		return
	}
	logging.Error("Remote store failure", err, map[string]interface{}{
		"path": c.FullPath(),
	})
	c.JSON(http.StatusInternalServerError, httpremote.ErrorBody{Error: "internal error"})
}
