package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Host owns every tenant store and dispatches inbound requests by tenant
// route. There is exactly one Host per process, passed explicitly to the
// transport layer.
type Host struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	tenants map[string]*Store
	loading sync.WaitGroup
}

func NewHost(logger zerolog.Logger) *Host {
	return &Host{
		logger:  logger,
		tenants: make(map[string]*Store),
	}
}

// AddTenant creates a store for the tenant configuration and registers it
// under its route.
func (h *Host) AddTenant(tenant Tenant) (*Store, error) {
	if tenant.Route == "" {
		return nil, fmt.Errorf("tenant route must not be empty")
	}
	switch tenant.FHIRVersion {
	case "R4", "R4B", "R5":
	default:
		return nil, fmt.Errorf("tenant %q: unsupported FHIR version %q", tenant.Route, tenant.FHIRVersion)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.tenants[tenant.Route]; exists {
		return nil, fmt.Errorf("tenant route %q already registered", tenant.Route)
	}
	s := NewStore(tenant, h.logger)
	h.tenants[tenant.Route] = s
	h.logger.Info().
		Str("route", tenant.Route).
		Str("version", tenant.FHIRVersion).
		Int("types", len(s.enabledTypes)).
		Msg("tenant registered")
	return s, nil
}

// Tenant looks a store up by route.
func (h *Host) Tenant(route string) (*Store, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.tenants[route]
	return s, ok
}

// Routes lists the registered tenant routes, sorted.
func (h *Host) Routes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.tenants))
	for route := range h.tenants {
		out = append(out, route)
	}
	sort.Strings(out)
	return out
}

// LoadDirectory seeds a tenant asynchronously from a directory of JSON
// resource files. Loading uses the fast-path create so seeding does not fan
// out subscription events. Wait blocks until all loads finish.
func (h *Host) LoadDirectory(ctx context.Context, route, dir string) error {
	s, ok := h.Tenant(route)
	if !ok {
		return fmt.Errorf("unknown tenant route %q", route)
	}
	h.loading.Add(1)
	go func() {
		defer h.loading.Done()
		h.loadDirectory(ctx, s, dir)
	}()
	return nil
}

// Wait blocks until pending directory loads complete.
func (h *Host) Wait() { h.loading.Wait() }

// Close shuts every tenant's event stream down.
func (h *Host) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.tenants {
		s.Close()
	}
}

func (h *Host) loadDirectory(ctx context.Context, s *Store, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		h.logger.Error().Err(err).Str("dir", dir).Msg("seed directory unreadable")
		return
	}
	loaded, failed := 0, 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			h.logger.Warn().Err(err).Str("file", path).Msg("seed file unreadable")
			failed++
			continue
		}
		var resource map[string]interface{}
		if err := json.Unmarshal(raw, &resource); err != nil {
			h.logger.Warn().Err(err).Str("file", path).Msg("seed file is not a JSON resource")
			failed++
			continue
		}
		if h.seedResource(ctx, s, resource) {
			loaded++
		} else {
			failed++
		}
	}
	h.logger.Info().
		Str("tenant", s.tenant.Route).
		Str("dir", dir).
		Int("loaded", loaded).
		Int("failed", failed).
		Msg("seed load finished")
}

// seedResource loads one resource, unrolling collection bundles.
func (h *Host) seedResource(ctx context.Context, s *Store, resource map[string]interface{}) bool {
	rt, _ := resource["resourceType"].(string)
	if rt == "Bundle" {
		entries, _ := resource["entry"].([]interface{})
		ok := true
		for _, item := range entries {
			em, isMap := item.(map[string]interface{})
			if !isMap {
				continue
			}
			inner, isMap := em["resource"].(map[string]interface{})
			if !isMap {
				continue
			}
			if !h.seedResource(ctx, s, inner) {
				ok = false
			}
		}
		return ok
	}

	resp := s.TryCreate(ctx, rt, resource, CreateOptions{AllowExistingID: true})
	if resp.Status >= 400 {
		h.logger.Warn().
			Str("type", rt).
			Int("status", resp.Status).
			Msg("seed resource rejected")
		return false
	}
	return true
}
