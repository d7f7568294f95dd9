package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voltvault/api/internal/platform/auth"
	"github.com/voltvault/api/internal/platform/ruletable"
	"github.com/voltvault/api/internal/services"
)

func newShippingRuleRouter(t *testing.T, holder services.RuleTableReloader) chi.Router {
	t.Helper()
	svc, err := services.NewShippingRuleService(services.ShippingRuleServiceDeps{Rules: holder})
	if err != nil {
		t.Fatalf("new shipping rule service: %v", err)
	}
	h := NewShippingRuleHandlers(svc)
	router := chi.NewRouter()
	router.Route("/shipping-rules", h.Routes)
	router.Route("/internal", h.InternalRoutes)
	return router
}

func TestShippingRuleHandlers_ListRules(t *testing.T) {
	loadedAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	holder, err := ruletable.NewHolder(context.Background(), ruletable.EmbeddedSource{}, ruletable.WithClock(func() time.Time { return loadedAt }))
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	router := newShippingRuleRouter(t, holder)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/shipping-rules", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp ruleTableResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Version != "2025-03-01" || resp.Source != "embedded:default_rules.yaml" {
		t.Fatalf("unexpected table identity %s / %s", resp.Version, resp.Source)
	}
	if resp.LoadedAt != "2025-03-01T09:00:00Z" {
		t.Fatalf("unexpected loaded_at %q", resp.LoadedAt)
	}
	if len(resp.Rules) != 6 || resp.Rules[0].ID != "dangerous-goods" || resp.Rules[5].ID != "standard" {
		t.Fatalf("expected rules sorted by priority, got %+v", resp.Rules)
	}
	standard := resp.Rules[5]
	if standard.Cost.Base != "50" || standard.Cost.FreeThreshold == nil || *standard.Cost.FreeThreshold != "1000" {
		t.Fatalf("unexpected standard cost %+v", standard.Cost)
	}
	if standard.Cost.PerKg != nil {
		t.Fatalf("expected per_kg to be omitted, got %v", *standard.Cost.PerKg)
	}
	if resp.Delivery.MajorCityDays != 2 || resp.Delivery.DomesticDays != 3 || resp.Delivery.InternationalDays != 7 {
		t.Fatalf("unexpected delivery policy %+v", resp.Delivery)
	}
}

func TestShippingRuleHandlers_ReloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write rules: %v", err)
		}
	}
	writeRules("version: v1\nrules:\n  - id: flat\n    cost:\n      base: \"10\"\n")

	holder, err := ruletable.NewHolder(context.Background(), ruletable.FileSource{Path: path})
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	router := newShippingRuleRouter(t, holder)

	reload := func(ctx context.Context) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/internal/shipping-rules/reload", nil).WithContext(ctx)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	writeRules("version: v2\nrules:\n  - id: flat\n    cost:\n      base: \"12.50\"\n")
	ctx := auth.WithServiceIdentity(context.Background(), &auth.ServiceIdentity{Subject: "sa-123", Email: "ops@voltvault.iam.gserviceaccount.com"})
	rr := reload(ctx)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp reloadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Version != "v2" || resp.Rules[0].Cost.Base != "12.5" {
		t.Fatalf("expected reloaded table, got %+v", resp.ruleTableResponse)
	}
	if resp.ReloadedBy != "ops@voltvault.iam.gserviceaccount.com" {
		t.Fatalf("unexpected reloaded_by %q", resp.ReloadedBy)
	}

	writeRules("rules: [")
	rr = reload(context.Background())
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid table, got %d", rr.Code)
	}
	if current := holder.Current(); current == nil || current.Version() != "v2" {
		t.Fatalf("expected previous table to stay active")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove rules: %v", err)
	}
	rr = reload(context.Background())
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for unreadable source, got %d", rr.Code)
	}
}

func TestShippingRuleHandlers_ReloadWithoutSource(t *testing.T) {
	table, err := ruletable.Parse([]byte("rules:\n  - id: flat\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	router := newShippingRuleRouter(t, ruletable.NewStaticHolder(table))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/shipping-rules/reload", nil))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body["error"] != "reload_unsupported" {
		t.Fatalf("expected reload_unsupported, got %v", body["error"])
	}
}

func TestShippingRuleHandlers_NoTableLoaded(t *testing.T) {
	router := newShippingRuleRouter(t, ruletable.NewStaticHolder(nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/shipping-rules", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
