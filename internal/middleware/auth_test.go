package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

func newAuthRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	am := NewAuthMiddleware(logger.NewNop(), token)
	r.Use(am.RequireAdmin())
	r.GET("/jobs", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/jobs/x/action", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doRequest(r *gin.Engine, method, path, remoteAddr, authHeader string) int {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestReadsAlwaysPass(t *testing.T) {
	r := newAuthRouter("secret")
	if code := doRequest(r, http.MethodGet, "/jobs", "203.0.113.9:4711", ""); code != http.StatusOK {
		t.Fatalf("remote GET = %d", code)
	}
}

func TestLoopbackMutationsPassWithoutToken(t *testing.T) {
	r := newAuthRouter("secret")
	if code := doRequest(r, http.MethodPost, "/jobs/x/action", "127.0.0.1:4711", ""); code != http.StatusOK {
		t.Fatalf("loopback POST = %d", code)
	}
	if code := doRequest(r, http.MethodPost, "/jobs/x/action", "[::1]:4711", ""); code != http.StatusOK {
		t.Fatalf("ipv6 loopback POST = %d", code)
	}
}

func TestRemoteMutationsNeedTheToken(t *testing.T) {
	r := newAuthRouter("secret")
	if code := doRequest(r, http.MethodPost, "/jobs/x/action", "203.0.113.9:4711", ""); code != http.StatusUnauthorized {
		t.Fatalf("missing token = %d, want 401", code)
	}
	if code := doRequest(r, http.MethodPost, "/jobs/x/action", "203.0.113.9:4711", "Bearer wrong"); code != http.StatusForbidden {
		t.Fatalf("wrong token = %d, want 403", code)
	}
	if code := doRequest(r, http.MethodPost, "/jobs/x/action", "203.0.113.9:4711", "Bearer secret"); code != http.StatusOK {
		t.Fatalf("good token = %d, want 200", code)
	}
	if code := doRequest(r, http.MethodPost, "/jobs/x/action?token=secret", "203.0.113.9:4711", ""); code != http.StatusOK {
		t.Fatalf("query token = %d, want 200", code)
	}
}

func TestNoTokenConfiguredLocksOutRemoteMutations(t *testing.T) {
	r := newAuthRouter("")
	if code := doRequest(r, http.MethodPost, "/jobs/x/action", "203.0.113.9:4711", "Bearer anything"); code != http.StatusForbidden {
		t.Fatalf("unconfigured token = %d, want 403", code)
	}
	if code := doRequest(r, http.MethodPost, "/jobs/x/action", "127.0.0.1:4711", ""); code != http.StatusOK {
		t.Fatalf("loopback should still work = %d", code)
	}
}
