package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-access/internal/plan"
	"github.com/nerrad567/gray-logic-access/migrations"
)

func newPlanRepo(t *testing.T) *plan.SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, config.DatabaseConfig{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return plan.NewSQLiteRepository(db.DB)
}

func TestPlans_NotConfigured(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/api/v1/plans", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /plans without store = %d, want 503", w.Code)
	}
}

func TestPlans_SaveGetList(t *testing.T) {
	env := newTestEnv(t, withPlans(t))

	doc := `{"id":"rdc","name":"Rez-de-chaussée","devices":[{"id":"porte-001","kind":"porte"}]}`
	w := env.do(t, http.MethodPost, "/api/v1/plans/rdc", doc)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /plans/rdc = %d %s", w.Code, w.Body.String())
	}
	var saved plan.Plan
	decode(t, w, &saved)
	if saved.FloorID != "rdc" || saved.Name != "Rez-de-chaussée" || saved.CreatedAt.IsZero() {
		t.Errorf("saved = %+v", saved)
	}

	w = env.do(t, http.MethodGet, "/api/v1/plans/rdc", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /plans/rdc = %d", w.Code)
	}
	var got plan.Plan
	decode(t, w, &got)
	if string(got.Document) != doc {
		t.Errorf("document = %s, want %s", got.Document, doc)
	}

	if w := env.do(t, http.MethodPut, "/api/v1/plans/etage-1", `{}`); w.Code != http.StatusOK {
		t.Fatalf("PUT /plans/etage-1 = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/plans", "")
	var list struct {
		Plans []plan.Plan `json:"plans"`
		Count int         `json:"count"`
	}
	decode(t, w, &list)
	if list.Count != 2 || list.Plans[0].FloorID != "etage-1" {
		t.Errorf("list = %+v", list)
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/plans/etage-1", ""); w.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d", w.Code)
	}
}

func TestPlans_Errors(t *testing.T) {
	env := newTestEnv(t, withPlans(t))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing plan", http.MethodGet, "/api/v1/plans/nowhere", "", http.StatusNotFound},
		{"array document", http.MethodPost, "/api/v1/plans/rdc", `[1,2]`, http.StatusBadRequest},
		{"broken json", http.MethodPost, "/api/v1/plans/rdc", `{"name":`, http.StatusBadRequest},
		{"delete missing", http.MethodDelete, "/api/v1/plans/nowhere", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, w.Code, tt.want)
			}
		})
	}
}
