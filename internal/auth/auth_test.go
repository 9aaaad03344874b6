package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Minute)

	token, err := mgr.GenerateAccessToken("operator")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	claims, err := mgr.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Username != "operator" {
		t.Errorf("username = %q, want operator", claims.Username)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	mgr := NewJWTManager("test-secret", -time.Minute)

	token, err := mgr.GenerateAccessToken("operator")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	if _, err := mgr.ValidateAccessToken(token); err != ErrTokenExpired {
		t.Errorf("error = %v, want ErrTokenExpired", err)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	token, err := NewJWTManager("secret-a", time.Minute).GenerateAccessToken("operator")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	if _, err := NewJWTManager("secret-b", time.Minute).ValidateAccessToken(token); err != ErrInvalidToken {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}

func TestPasswordHashAndVerify(t *testing.T) {
	hash, err := HashPassword("Tr4ding!Engine")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	if !VerifyPassword("Tr4ding!Engine", hash) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("wrong-password", hash) {
		t.Error("wrong password accepted")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mgr := NewJWTManager("test-secret", time.Minute)

	router := gin.New()
	router.GET("/protected", Middleware(mgr), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": GetUsername(c)})
	})

	// No header
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", w.Code)
	}

	// Valid token
	token, _ := mgr.GenerateAccessToken("operator")
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status with token = %d, want 200", w.Code)
	}
}
