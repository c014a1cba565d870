// Package blobstore stores generated artifacts such as charge exports. It
// defines the Store interface, an in-memory implementation for development
// and tests, a MinIO/S3 implementation, and Echo handlers for listing and
// downloading stored objects.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object exceeds maximum allowed size")
	ErrInvalidName    = errors.New("object name is invalid")
)

// MaxObjectSize is the largest object accepted by Put (64 MB).
const MaxObjectSize = 64 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Object describes a stored object.
type Object struct {
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is implemented by every object backend.
type Store interface {
	Put(ctx context.Context, name, contentType string, content io.Reader, size int64) (*Object, error)
	Get(ctx context.Context, name string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context, prefix string) ([]*Object, error)
}

// ValidateName rejects empty names, absolute paths and any name that is not
// already in clean form (so "..", "./" and doubled slashes are refused).
func ValidateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return ErrInvalidName
	}
	if path.Clean(name) != name || strings.HasPrefix(name, "..") {
		return ErrInvalidName
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedObject struct {
	meta    Object
	content []byte
}

// Memory is a thread-safe, in-memory Store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]*storedObject),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Put reads the content, computes a SHA-256 hash and stores the object,
// replacing any previous object with the same name. A negative size means
// unknown.
func (s *Memory) Put(_ context.Context, name, contentType string, content io.Reader, size int64) (*Object, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if size > MaxObjectSize {
		return nil, ErrObjectTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxObjectSize {
		return nil, ErrObjectTooLarge
	}

	h := sha256.Sum256(data)
	meta := Object{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		CreatedAt:   s.now(),
	}

	s.mu.Lock()
	s.objects[name] = &storedObject{meta: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *Memory) Get(_ context.Context, name string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	obj, ok := s.objects[name]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrObjectNotFound
	}

	meta := obj.meta
	return io.NopCloser(bytes.NewReader(obj.content)), &meta, nil
}

func (s *Memory) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[name]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, name)
	return nil
}

// List returns the objects whose name starts with prefix, ordered by name.
func (s *Memory) List(_ context.Context, prefix string) ([]*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Object
	for name, obj := range s.objects {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		m := obj.meta
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

type listResponse struct {
	Items []*Object `json:"items"`
	Total int       `json:"total"`
}

// Handler exposes read-only access to the objects under a fixed prefix.
type Handler struct {
	store  Store
	prefix string
}

// NewHandler serves the objects stored under prefix (for example "exports/").
func NewHandler(store Store, prefix string) *Handler {
	return &Handler{store: store, prefix: prefix}
}

// RegisterRoutes mounts the export routes on the supplied Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/exports", h.handleList)
	g.GET("/exports/*", h.handleDownload)
}

func (h *Handler) handleList(c echo.Context) error {
	items, err := h.store.List(c.Request().Context(), h.prefix)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
			"code": "internal", "message": "listing exports failed",
		}).SetInternal(err)
	}
	if items == nil {
		items = []*Object{}
	}

	limit := intParam(c, "limit", len(items))
	if limit < len(items) {
		items = items[:limit]
	}
	return c.JSON(http.StatusOK, listResponse{Items: items, Total: len(items)})
}

func (h *Handler) handleDownload(c echo.Context) error {
	name := h.prefix + c.Param("*")
	if err := ValidateName(name); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
			"code": "validation", "message": err.Error(),
		})
	}

	rc, meta, err := h.store.Get(c.Request().Context(), name)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, map[string]string{
				"code": "not_found", "message": "export not found",
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
			"code": "internal", "message": "reading export failed",
		}).SetInternal(err)
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, path.Base(meta.Name)))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func intParam(c echo.Context, name string, defaultVal int) int {
	v := c.QueryParam(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
