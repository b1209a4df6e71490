package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"backbone/internal/api/dto"
	"backbone/internal/auth"
	"backbone/internal/contact"
	"backbone/internal/database"
	"backbone/internal/domain"
	"backbone/internal/healthcheck"
	"backbone/internal/jobs/maintenance"
	"backbone/internal/networkrule"
)

const clientIP = "192.0.2.1"

func TestMain(m *testing.M) {
	_ = os.Setenv("JWT_SECRET", "server-test-secret")
	os.Exit(m.Run())
}

type testEnv struct {
	db      *gorm.DB
	rules   *networkrule.Service
	handler http.Handler
	admin   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := database.SetupDB(database.WithDialector(sqlite.Open(dsn)))
	if err != nil {
		t.Fatalf("setup database: %v", err)
	}
	t.Cleanup(func() {
		database.DB = nil
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	rules := networkrule.NewService(database.NewNetworkRuleStore(db))
	contacts := contact.NewService(
		database.NewContactStore(db),
		rules,
		func() contact.BanSettings {
			return contact.BanSettings{Threshold: 3, Period: 10 * time.Minute, DurationDays: 7}
		},
	)

	srv := New(Dependencies{
		Rules:       rules,
		Contacts:    contacts,
		Health:      healthcheck.New(db, nil),
		Maintenance: maintenance.NewRunner(nil, maintenance.ExpiredRulesTask(rules)),
	})

	token, err := auth.GenerateJWT(1, domain.RoleAdmin)
	if err != nil {
		t.Fatalf("GenerateJWT returned error %v", err)
	}

	return &testEnv{db: db, rules: rules, handler: srv.Routes(), admin: token}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doFrom(t, clientIP, method, path, token, body)
}

func (e *testEnv) doFrom(t *testing.T, ip, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = ip + ":40000"
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func validContact() dto.ContactRequest {
	return dto.ContactRequest{
		Name:    "Jane Doe",
		Email:   "jane@example.com",
		Subject: "Question",
		Body:    "Hello there, I have a question.",
	}
}

func TestContactSubmissionBansFourthAttempt(t *testing.T) {
	env := newTestEnv(t)
	ip := "203.0.113.9"

	for i := 0; i < 3; i++ {
		rec := env.doFrom(t, ip, http.MethodPost, "/contacts", "", validContact())
		if rec.Code != http.StatusNoContent {
			t.Fatalf("submission %d returned %d, want 204 (%s)", i+1, rec.Code, rec.Body.String())
		}
	}

	rec := env.doFrom(t, ip, http.MethodPost, "/contacts", "", validContact())
	if rec.Code != http.StatusForbidden || rec.Body.Len() != 0 {
		t.Fatalf("fourth submission returned %d %q, want empty 403", rec.Code, rec.Body.String())
	}

	rule, err := env.rules.Get(context.Background(), ip)
	if err != nil {
		t.Fatalf("Get returned error %v", err)
	}
	if !rule.IsBlacklisted(time.Now()) || rule.Comment != contact.BanComment {
		t.Fatalf("rule after ban = %+v", rule)
	}
	wantExpiry := domain.AddDays(time.Now(), 7)
	if !domain.SameDate(rule.ExpiresOn, &wantExpiry) {
		t.Fatalf("ban expires on %v, want %v", rule.ExpiresOn, wantExpiry)
	}

	var stored int64
	env.db.Model(&domain.Contact{}).Where("ip = ?", ip).Count(&stored)
	if stored != 3 {
		t.Fatalf("stored %d contacts, want 3", stored)
	}

	rec = env.doFrom(t, ip, http.MethodPost, "/contacts", "", validContact())
	if rec.Code != http.StatusForbidden || rec.Body.Len() != 0 {
		t.Fatalf("submission from banned address returned %d %q, want empty 403", rec.Code, rec.Body.String())
	}
}

func TestContactSubmissionKeepsWhitelist(t *testing.T) {
	env := newTestEnv(t)
	ip := "203.0.113.10"
	if _, err := env.rules.Whitelist(context.Background(), ip, nil, "office"); err != nil {
		t.Fatalf("Whitelist returned error %v", err)
	}

	want := []int{http.StatusNoContent, http.StatusNoContent, http.StatusNoContent, http.StatusForbidden}
	for i, code := range want {
		rec := env.doFrom(t, ip, http.MethodPost, "/contacts", "", validContact())
		if rec.Code != code {
			t.Fatalf("submission %d returned %d, want %d", i+1, rec.Code, code)
		}
	}

	rule, err := env.rules.Get(context.Background(), ip)
	if err != nil {
		t.Fatalf("Get returned error %v", err)
	}
	if rule.ComputedStatus(time.Now()) != domain.StatusWhitelisted || rule.Comment != "office" {
		t.Fatalf("rule after threshold = %+v, want untouched whitelist", rule)
	}
}

func TestContactSubmissionValidation(t *testing.T) {
	env := newTestEnv(t)

	req := validContact()
	req.Email = "not-an-email"
	req.Body = "short"

	rec := env.do(t, http.MethodPost, "/contacts", "", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid submission returned %d, want 400", rec.Code)
	}
	body := decodeBody[map[string]map[string]string](t, rec)
	if body["errors"]["email"] == "" || body["errors"]["body"] == "" {
		t.Fatalf("field errors = %v, want email and body", body["errors"])
	}
}

func TestBlacklistedAddressIsRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.rules.Blacklist(context.Background(), clientIP, nil, "abuse"); err != nil {
		t.Fatalf("Blacklist returned error %v", err)
	}

	for _, path := range []string{"/contacts", "/login", "/register"} {
		rec := env.do(t, http.MethodPost, path, "", validContact())
		if rec.Code != http.StatusForbidden || rec.Body.Len() != 0 {
			t.Fatalf("POST %s returned %d %q, want empty 403", path, rec.Code, rec.Body.String())
		}
	}

	rec := env.doFrom(t, "198.51.100.4", http.MethodPost, "/contacts", "", validContact())
	if rec.Code != http.StatusNoContent {
		t.Fatalf("other address returned %d, want 204", rec.Code)
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/admin/network_rules", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous list returned %d, want 401", rec.Code)
	}

	userToken, err := auth.GenerateJWT(2, domain.RoleUser)
	if err != nil {
		t.Fatalf("GenerateJWT returned error %v", err)
	}
	if rec := env.do(t, http.MethodGet, "/admin/network_rules", userToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("user list returned %d, want 403", rec.Code)
	}
}

func TestMetricsEndpointAccess(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous metrics returned %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/metrics", env.admin, nil); rec.Code != http.StatusOK {
		t.Fatalf("admin metrics returned %d, want 200", rec.Code)
	}

	t.Setenv("METRICS_PUBLIC", "true")
	public := newTestEnv(t)
	if rec := public.do(t, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("public metrics returned %d, want 200", rec.Code)
	}
}

func TestNetworkRuleAdminLifecycle(t *testing.T) {
	env := newTestEnv(t)
	future := domain.AddDays(time.Now(), 10).Format(domain.DateLayout)

	rec := env.do(t, http.MethodPost, "/admin/network_rules/activate", env.admin, dto.ActivateRequest{
		IP: "10.1.1.1", Status: "BLACKLISTED", ExpiresOn: &future, Comment: "scanner",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("activate new returned %d (%s), want 201", rec.Code, rec.Body.String())
	}
	created := decodeBody[dto.NetworkRule](t, rec)
	if created.ComputedStatus != "BLACKLISTED" || created.ExpiresOn == nil || *created.ExpiresOn != future {
		t.Fatalf("created rule = %+v", created)
	}

	path := fmt.Sprintf("/admin/network_rules/%d", created.ID)
	rec = env.do(t, http.MethodGet, path, env.admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d, want 200", rec.Code)
	}

	rec = env.do(t, http.MethodPut, path+"/activate", env.admin, dto.ActivateRequest{Status: "WHITELISTED", Comment: "partner"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("activate without override returned %d, want 409", rec.Code)
	}
	rec = env.do(t, http.MethodPut, path+"/activate", env.admin, dto.ActivateRequest{Status: "WHITELISTED", Comment: "partner", Override: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("activate with override returned %d (%s), want 200", rec.Code, rec.Body.String())
	}
	if got := decodeBody[dto.NetworkRule](t, rec); got.ComputedStatus != "WHITELISTED" {
		t.Fatalf("computed status after override = %s, want WHITELISTED", got.ComputedStatus)
	}

	later := domain.AddDays(time.Now(), 40).Format(domain.DateLayout)
	rec = env.do(t, http.MethodPost, path+"/extend", env.admin, dto.ExtendRequest{ExpiresOn: later})
	if rec.Code != http.StatusOK {
		t.Fatalf("extend returned %d (%s), want 200", rec.Code, rec.Body.String())
	}
	if got := decodeBody[dto.NetworkRule](t, rec); got.ExpiresOn == nil || *got.ExpiresOn != later {
		t.Fatalf("expires_on after extend = %v, want %s", got.ExpiresOn, later)
	}

	rec = env.do(t, http.MethodPost, path+"/clear", env.admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear returned %d, want 200", rec.Code)
	}
	cleared := decodeBody[dto.NetworkRuleClearResult](t, rec)
	if !cleared.Updated || cleared.Status != "NONE" || cleared.Active || cleared.ExpiresOn != nil {
		t.Fatalf("first clear = %+v, want updated neutral rule", cleared)
	}

	rec = env.do(t, http.MethodPost, path+"/clear", env.admin, nil)
	if again := decodeBody[dto.NetworkRuleClearResult](t, rec); again.Updated {
		t.Fatal("second clear reported updated = true")
	}

	rec = env.do(t, http.MethodPost, path+"/extend", env.admin, dto.ExtendRequest{ExpiresOn: later})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("extend on neutral rule returned %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, path, env.admin, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete returned %d, want 204", rec.Code)
	}
	if rec = env.do(t, http.MethodGet, path, env.admin, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete returned %d, want 404", rec.Code)
	}
}

func TestNetworkRuleCreateValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/admin/network_rules", env.admin, dto.NetworkRuleRequest{
		IP: "10.2.2.2", Status: "BLACKLISTED", Active: true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("create without comment or expiry returned %d, want 400", rec.Code)
	}
	errs := decodeBody[map[string]map[string]string](t, rec)["errors"]
	if errs["comment"] == "" || errs["expires_on"] == "" {
		t.Fatalf("field errors = %v, want comment and expires_on", errs)
	}

	rec = env.do(t, http.MethodPost, "/admin/network_rules", env.admin, dto.NetworkRuleRequest{IP: "not-an-ip"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("create with bad ip returned %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/admin/network_rules", env.admin, dto.NetworkRuleRequest{IP: "10.2.2.2"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create neutral rule returned %d (%s), want 201", rec.Code, rec.Body.String())
	}
}

func TestNetworkRuleBulkOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.rules.Blacklist(ctx, "10.3.3.1", nil, "one")
	if err != nil {
		t.Fatalf("Blacklist returned error %v", err)
	}
	if _, err := env.rules.Whitelist(ctx, "10.3.3.2", nil, "two"); err != nil {
		t.Fatalf("Whitelist returned error %v", err)
	}
	third, err := env.rules.Blacklist(ctx, "10.3.3.3", nil, "three")
	if err != nil {
		t.Fatalf("Blacklist returned error %v", err)
	}

	rec := env.do(t, http.MethodGet, "/admin/network_rules?status=blacklisted", env.admin, nil)
	if page := decodeBody[dto.NetworkRulePage](t, rec); page.Total != 2 {
		t.Fatalf("blacklisted listing total = %d, want 2", page.Total)
	}

	rec = env.do(t, http.MethodPost, "/admin/network_rules/clear", env.admin, dto.ClearRequest{Status: strPtr("WHITELISTED")})
	if rec.Code != http.StatusNoContent || rec.Header().Get("X-Cleared-Count") != "1" {
		t.Fatalf("bulk clear returned %d with count %q, want 204 and 1", rec.Code, rec.Header().Get("X-Cleared-Count"))
	}

	rec = env.do(t, http.MethodDelete, "/admin/network_rules", env.admin, dto.IDList{IDs: []uint64{first.ID, third.ID, 9999}})
	if rec.Code != http.StatusNoContent || rec.Header().Get("X-Deleted-Count") != "2" {
		t.Fatalf("bulk delete returned %d with count %q, want 204 and 2", rec.Code, rec.Header().Get("X-Deleted-Count"))
	}

	rec = env.do(t, http.MethodGet, "/admin/network_rules", env.admin, nil)
	page := decodeBody[dto.NetworkRulePage](t, rec)
	if page.Total != 1 || page.Items[0].IP != "10.3.3.2" || page.Items[0].ComputedStatus != "NONE" {
		t.Fatalf("remaining rules = %+v", page)
	}

	rec = env.do(t, http.MethodDelete, "/admin/network_rules", env.admin, dto.IDList{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bulk delete without ids returned %d, want 400", rec.Code)
	}
}

func TestContactAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodPost, "/contacts", "", validContact()); rec.Code != http.StatusNoContent {
		t.Fatalf("submission returned %d, want 204", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/admin/contacts", env.admin, nil)
	page := decodeBody[dto.ContactPage](t, rec)
	if page.Total != 1 || page.Items[0].IP != clientIP {
		t.Fatalf("contact listing = %+v", page)
	}

	path := fmt.Sprintf("/admin/contacts/%d", page.Items[0].ID)
	if rec := env.do(t, http.MethodGet, path, env.admin, nil); rec.Code != http.StatusOK {
		t.Fatalf("get contact returned %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, path, env.admin, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete contact returned %d, want 204", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, path, env.admin, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete returned %d, want 404", rec.Code)
	}
}

func TestHealthcheckEndpoints(t *testing.T) {
	env := newTestEnv(t)

	cases := map[string]int{
		"/healthchecks/api":        http.StatusOK,
		"/healthchecks/database":   http.StatusOK,
		"/healthchecks/migrations": http.StatusOK,
		"/healthchecks/cache":      http.StatusInternalServerError,
		"/healthchecks/unknown":    http.StatusNotFound,
	}
	for path, want := range cases {
		rec := env.do(t, http.MethodGet, path, env.admin, nil)
		if rec.Code != want {
			t.Fatalf("GET %s returned %d, want %d", path, rec.Code, want)
		}
	}

	rec := env.do(t, http.MethodGet, "/healthchecks", env.admin, nil)
	report := decodeBody[map[string]string](t, rec)
	if rec.Code != http.StatusInternalServerError || report["cache"] != "failed" || report["database"] != "ok" {
		t.Fatalf("aggregate healthcheck = %d %v", rec.Code, report)
	}
}

func TestMaintenanceEndpoint(t *testing.T) {
	env := newTestEnv(t)

	yesterday := domain.AddDays(time.Now(), -1)
	expired := domain.NetworkRule{IP: "10.4.4.4", Status: domain.StatusBlacklisted, Active: true, ExpiresOn: &yesterday, Comment: "old"}
	if err := env.db.Create(&expired).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/admin/maintenance/"+maintenance.ExpiredRulesTaskName, env.admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("maintenance returned %d, want 200", rec.Code)
	}
	if got := decodeBody[map[string]int64](t, rec)["affected"]; got != 1 {
		t.Fatalf("affected = %d, want 1", got)
	}

	if rec := env.do(t, http.MethodPost, "/admin/maintenance/unknown", env.admin, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task returned %d, want 404", rec.Code)
	}
}

func TestRegisterLoginAndSelf(t *testing.T) {
	env := newTestEnv(t)
	creds := dto.Credentials{Email: "owner@example.com", Password: "correct-horse"}

	rec := env.do(t, http.MethodPost, "/register", "", creds)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register returned %d (%s), want 201", rec.Code, rec.Body.String())
	}
	if got := decodeBody[dto.Token](t, rec); got.Role != domain.RoleAdmin {
		t.Fatalf("first user role = %q, want admin", got.Role)
	}

	if rec := env.do(t, http.MethodPost, "/register", "", creds); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register returned %d, want 409", rec.Code)
	}

	bad := dto.Credentials{Email: creds.Email, Password: "wrong-password"}
	if rec := env.do(t, http.MethodPost, "/login", "", bad); rec.Code != http.StatusUnauthorized {
		t.Fatalf("login with bad password returned %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/login", "", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d, want 200", rec.Code)
	}
	token := decodeBody[dto.Token](t, rec).Token

	rec = env.do(t, http.MethodGet, "/users/self", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("self returned %d, want 200", rec.Code)
	}
	if self := decodeBody[dto.User](t, rec); self.Email != creds.Email || self.Role != domain.RoleAdmin {
		t.Fatalf("self = %+v", self)
	}
}

func strPtr(s string) *string {
	return &s
}
