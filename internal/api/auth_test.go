package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func authTestRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", AuthMiddleware(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": c.GetString("Subject")})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	router := authTestRouter(secret)

	token, err := IssueToken("ops", secret, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}
	expired, err := IssueToken("ops", secret, -time.Hour)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}
	wrongKey, err := IssueToken("ops", "other-secret", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"expired token", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status=%d, expected %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestParseTokenReturnsSubject(t *testing.T) {
	token, err := IssueToken("ops", "s", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}
	subject, err := parseToken(token, "s")
	if err != nil {
		t.Fatalf("parseToken returned error: %v", err)
	}
	if subject != "ops" {
		t.Fatalf("subject=%q, expected ops", subject)
	}
}
