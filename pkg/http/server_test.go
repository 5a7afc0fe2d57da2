package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/errorhub/pkg/backlog"
	"github.com/armorclaw/errorhub/pkg/config"
	"github.com/armorclaw/errorhub/pkg/domain"
	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/health"
	"github.com/armorclaw/errorhub/pkg/inbox"
	"github.com/armorclaw/errorhub/pkg/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server  *Server
	inbox   *inbox.Inbox
	backlog *backlog.Memory
	holder  *domain.Holder
}

func newTestEnv(t *testing.T, cfg config.ServerConfig) *testEnv {
	t.Helper()
	b := backlog.NewMemory()
	in := inbox.New(b, inbox.WithOrigin("test"))
	in.Start()
	h, err := domain.NewHolder(context.Background(), domain.NewMemoryStore())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = in.Stop(ctx)
		h.Close()
		_ = b.Close()
	})

	s := NewServer(cfg, Deps{
		Inbox:    in,
		Backlog:  b,
		Domain:   h,
		Gatherer: prometheus.NewRegistry(),
	})
	return &testEnv{server: s, inbox: in, backlog: b, holder: h}
}

func (e *testEnv) do(method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) doJSON(method, path string, v any) *httptest.ResponseRecorder {
	var body []byte
	if v != nil {
		body, _ = json.Marshal(v)
	}
	return e.do(method, path, body, "application/json")
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func adminConfig() config.ServerConfig {
	return config.ServerConfig{AdminEnabled: true}
}

func TestSubmit_JSON(t *testing.T) {
	env := newTestEnv(t, adminConfig())

	w := env.doJSON(http.MethodPost, "/errors", map[string]any{
		"sourceId": "billing",
		"error":    map[string]string{"type": "Timeout", "message": "upstream slow"},
		"infoUrl":  "https://billing.internal/errors",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var stored model.ErrorPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, "billing", stored.SourceID)
	assert.Equal(t, "Timeout", stored.Error.Type)
	assert.Equal(t, int64(1), stored.Sequence)
	assert.Equal(t, "test", stored.Origin)
	assert.NotEmpty(t, stored.ErrorID)
}

func TestSubmit_Form(t *testing.T) {
	env := newTestEnv(t, adminConfig())

	raw, _ := json.Marshal(model.Error{Type: "NullReference", Message: "x was nil"})
	form := url.Values{
		"sourceId": {"orders"},
		"error":    {base64.StdEncoding.EncodeToString(raw)},
		"errorId":  {"e-42"},
	}
	w := env.do(http.MethodPost, "/errors", []byte(form.Encode()), "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var stored model.ErrorPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, "e-42", stored.ErrorID)
	assert.Equal(t, "NullReference", stored.Error.Type)
	assert.Equal(t, "x was nil", stored.Error.Message)
}

func TestSubmit_Invalid(t *testing.T) {
	env := newTestEnv(t, adminConfig())

	tests := []struct {
		name        string
		body        string
		contentType string
	}{
		{"missing source", `{"error":{"type":"Timeout"}}`, "application/json"},
		{"missing type", `{"sourceId":"a","error":{}}`, "application/json"},
		{"source with slash", `{"sourceId":"billing/eu","error":{"type":"T"}}`, "application/json"},
		{"bad info url", `{"sourceId":"a","error":{"type":"T"},"infoUrl":"not a url"}`, "application/json"},
		{"malformed json", `{"sourceId":`, "application/json"},
		{"form without error", "sourceId=a", "application/x-www-form-urlencoded"},
		{"form source with slash", "sourceId=billing%2Feu&error=" + base64.StdEncoding.EncodeToString([]byte(`{"type":"T"}`)), "application/x-www-form-urlencoded"},
		{"form error not base64", "sourceId=a&error=%%%", "application/x-www-form-urlencoded"},
		{"form error not json", "sourceId=a&error=" + base64.StdEncoding.EncodeToString([]byte("plain")), "application/x-www-form-urlencoded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/errors", []byte(tt.body), tt.contentType)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, string(herrors.CodeInvalidPayload), decodeError(t, w).Code)
		})
	}

	stats, err := env.backlog.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Errors)
}

func TestSubmit_ValidationDetails(t *testing.T) {
	env := newTestEnv(t, adminConfig())

	w := env.do(http.MethodPost, "/errors", []byte(`{"error":{"type":"T"}}`), "application/json")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []string{"SourceID: required"}, decodeError(t, w).Details)

	w = env.do(http.MethodPost, "/errors", []byte(`{"sourceId":"billing/eu","error":{"type":"T"}}`), "application/json")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []string{"SourceID: excludesall"}, decodeError(t, w).Details)
}

func TestSubmit_RateLimited(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{SubmitRate: 0.001, SubmitBurst: 1})
	body := []byte(`{"sourceId":"noisy","error":{"type":"T"}}`)

	assert.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/errors", body, "application/json").Code)

	w := env.do(http.MethodPost, "/errors", body, "application/json")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(herrors.CodeRateLimited), decodeError(t, w).Code)

	other := []byte(`{"sourceId":"quiet","error":{"type":"T"}}`)
	assert.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/errors", other, "application/json").Code)
}

func TestSubmit_InboxStopped(t *testing.T) {
	env := newTestEnv(t, adminConfig())
	require.NoError(t, env.inbox.Stop(context.Background()))

	w := env.doJSON(http.MethodPost, "/errors", map[string]any{
		"sourceId": "a",
		"error":    map[string]string{"type": "T"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(herrors.CodeInboxClosed), decodeError(t, w).Code)
}

func TestRecap(t *testing.T) {
	env := newTestEnv(t, adminConfig())
	for _, typ := range []string{"Timeout", "Timeout", "Crash"} {
		w := env.doJSON(http.MethodPost, "/errors", map[string]any{
			"sourceId": "billing",
			"error":    map[string]string{"type": typ},
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := env.do(http.MethodGet, "/recap?apps=billing,%20,orders", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var recap model.Recap
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recap))
	assert.Equal(t, 2, recap.Measure(model.MeasureKey{Application: "billing", Type: "Timeout"}))
	assert.Equal(t, 1, recap.Measure(model.MeasureKey{Application: "billing", Type: "Crash"}))
	assert.Equal(t, int64(3), recap.Watermark)
}

func TestAdmin_MembershipFlow(t *testing.T) {
	env := newTestEnv(t, adminConfig())

	w := env.doJSON(http.MethodPost, "/clusters", map[string]string{"name": "payments"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.doJSON(http.MethodPut, "/clusters/payments/applications/billing", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.doJSON(http.MethodPut, "/clusters/payments/users/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var cluster model.Cluster
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cluster))
	assert.Equal(t, "payments", cluster.Name)
	assert.Equal(t, []string{"billing"}, cluster.ApplicationNames())
	assert.True(t, cluster.HasUser("alice"))

	w = env.do(http.MethodGet, "/users/alice/applications", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"billing"`)

	w = env.do(http.MethodGet, "/clusters", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"payments"`)

	w = env.doJSON(http.MethodDelete, "/clusters/payments/applications/billing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, env.holder.GetUserApplications(context.Background(), "alice"))

	w = env.doJSON(http.MethodDelete, "/clusters/payments/users/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.doJSON(http.MethodDelete, "/clusters/payments", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, ok := env.holder.GetCluster("payments")
	assert.False(t, ok)
}

func TestAdmin_Errors(t *testing.T) {
	env := newTestEnv(t, adminConfig())

	w := env.doJSON(http.MethodPut, "/clusters/missing/applications/billing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(herrors.CodeUnknownCluster), decodeError(t, w).Code)

	w = env.doJSON(http.MethodPost, "/clusters", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(herrors.CodeInvalidChange), decodeError(t, w).Code)

	w = env.doJSON(http.MethodPost, "/clusters", map[string]string{"name": "a/b"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/users/ghost/applications", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.doJSON(http.MethodPost, "/users/ghost/tokens", map[string]string{"token": "0123456789"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(herrors.CodeUnknownUser), decodeError(t, w).Code)
}

func TestAdmin_UserToken(t *testing.T) {
	env := newTestEnv(t, adminConfig())
	ctx := context.Background()
	require.NoError(t, env.holder.AddCluster(ctx, "ops"))
	require.NoError(t, env.holder.AddClusterUser(ctx, "ops", "bob"))

	w := env.doJSON(http.MethodPost, "/users/bob/tokens", map[string]string{"token": "s3cret-token"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "s3cret-token")

	u, ok := env.holder.UserByToken("s3cret-token")
	require.True(t, ok)
	assert.Equal(t, "bob", u.Name)

	w = env.doJSON(http.MethodPost, "/users/bob/tokens", map[string]string{"token": "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_Disabled(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	w := env.doJSON(http.MethodPost, "/clusters", map[string]string{"name": "payments"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(http.MethodGet, "/clusters", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type fakeHealth struct{ report health.Report }

func (f fakeHealth) Snapshot() health.Report { return f.report }

func TestHealth(t *testing.T) {
	env := newTestEnv(t, adminConfig())

	w := env.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	env.server.deps.Health = fakeHealth{report: health.Report{Status: health.StatusDegraded}}
	w = env.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), health.StatusDegraded)

	env.server.deps.Health = fakeHealth{report: health.Report{Status: health.StatusOK}}
	w = env.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsAndInfo(t *testing.T) {
	env := newTestEnv(t, adminConfig())

	w := env.do(http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	env.server.deps.Info = func() map[string]any { return map[string]any{"instance": "node-1"} }
	w = env.do(http.MethodGet, "/info", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var info map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "node-1", info["instance"])
	assert.Equal(t, false, info["bus"])
	assert.Contains(t, info, "membership")
	assert.Contains(t, info, "backlog")
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, adminConfig())

	w := env.do(http.MethodGet, "/health", nil, "")
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestOptionalRoutes(t *testing.T) {
	env := newTestEnv(t, adminConfig())
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/ws", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/bus", nil, "").Code)

	called := false
	s := NewServer(adminConfig(), Deps{
		Bus:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { called = true; w.WriteHeader(http.StatusTeapot) }),
		BusPath:  "/federation",
		Gatherer: prometheus.NewRegistry(),
	})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/federation", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{herrors.ErrInvalidPayload("x"), http.StatusBadRequest},
		{herrors.ErrInvalidChange("x"), http.StatusBadRequest},
		{herrors.ErrRateLimited("a"), http.StatusTooManyRequests},
		{herrors.ErrUnknownCluster("op", "c"), http.StatusNotFound},
		{herrors.ErrUnknownUser("op", "u"), http.StatusNotFound},
		{herrors.ErrInboxClosed, http.StatusServiceUnavailable},
		{herrors.ErrStoreFailed("a", errors.New("disk")), http.StatusServiceUnavailable},
		{herrors.ErrBacklog("Store", errors.New("disk")), http.StatusServiceUnavailable},
		{herrors.ErrDomainStore("AddCluster", errors.New("disk")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestSourceLimiter_Sweep(t *testing.T) {
	l := newSourceLimiter(10, 5)
	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("b"))
	assert.Equal(t, 2, l.len())

	assert.Zero(t, l.sweep(time.Now().Add(-time.Minute)))
	assert.Equal(t, 2, l.sweep(time.Now().Add(time.Second)))
	assert.Zero(t, l.len())

	unlimited := newSourceLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.allow("a"))
	}
	assert.Zero(t, unlimited.len())
}

func TestLoadOrGenerateCerts(t *testing.T) {
	dir := t.TempDir()
	s := NewServer(config.ServerConfig{TLS: true, CertDir: dir, Hostname: "hub.test"}, Deps{Gatherer: prometheus.NewRegistry()})

	require.NoError(t, s.loadOrGenerateCerts())
	assert.FileExists(t, filepath.Join(dir, "errorhub.crt"))
	assert.FileExists(t, filepath.Join(dir, "errorhub.key"))
	assert.True(t, strings.HasPrefix(string(s.GetCertificatePEM()), "-----BEGIN CERTIFICATE-----"))

	fp, err := s.GetCertificateFingerprint()
	require.NoError(t, err)
	assert.Len(t, fp, 64)

	again := NewServer(config.ServerConfig{TLS: true, CertDir: dir}, Deps{Gatherer: prometheus.NewRegistry()})
	require.NoError(t, again.loadOrGenerateCerts())
	fp2, err := again.GetCertificateFingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp, fp2)

	info, err := os.Stat(filepath.Join(dir, "errorhub.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
