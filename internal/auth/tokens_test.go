package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidator(t *testing.T) {
	validator, err := NewValidator(nil, "")

	assert.NoError(t, err)
	assert.NotNil(t, validator)
	assert.False(t, validator.Enabled())
}

func TestNewValidator_ConfiguredTokens(t *testing.T) {
	validator, err := NewValidator([]string{"token-one", " token-two ", ""}, "")

	assert.NoError(t, err)
	assert.True(t, validator.Enabled())
	assert.True(t, validator.apiTokens["token-one"])
	assert.True(t, validator.apiTokens["token-two"])
	assert.False(t, validator.apiTokens[""])
}

func TestLoadTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-tokens")
	require.NoError(t, os.WriteFile(path, []byte("file-token-1\n\n  file-token-2  \n"), 0o600))

	validator, err := NewValidator([]string{"config-token"}, path)

	assert.NoError(t, err)
	assert.True(t, validator.apiTokens["config-token"])
	assert.True(t, validator.apiTokens["file-token-1"])
	assert.True(t, validator.apiTokens["file-token-2"])
}

func TestLoadTokenFile_Missing(t *testing.T) {
	validator, err := NewValidator(nil, filepath.Join(t.TempDir(), "absent"))

	assert.Error(t, err)
	assert.Nil(t, validator)
	assert.Contains(t, err.Error(), "failed to load API tokens")
}

func TestValidateAPIToken(t *testing.T) {
	validator, err := NewValidator([]string{"valid-token", "another-token"}, "")
	require.NoError(t, err)

	tests := []struct {
		name       string
		authHeader string
		apiToken   string
		expected   bool
	}{
		{
			name:       "valid bearer token",
			authHeader: "Bearer valid-token",
			expected:   true,
		},
		{
			name:     "valid X-API-Token",
			apiToken: "another-token",
			expected: true,
		},
		{
			name:       "invalid bearer token",
			authHeader: "Bearer invalid-token",
			expected:   false,
		},
		{
			name:       "malformed authorization header",
			authHeader: "valid-token",
			expected:   false,
		},
		{
			name:     "invalid X-API-Token",
			apiToken: "unknown",
			expected: false,
		},
		{
			name:     "no credentials",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request, _ = http.NewRequest("GET", "/api/v1/stats", nil)
			if tt.authHeader != "" {
				c.Request.Header.Set("Authorization", tt.authHeader)
			}
			if tt.apiToken != "" {
				c.Request.Header.Set("X-API-Token", tt.apiToken)
			}

			assert.Equal(t, tt.expected, validator.validateAPIToken(c))
		})
	}
}

func TestMiddleware_RejectsWithoutToken(t *testing.T) {
	validator, err := NewValidator([]string{"valid-token"}, "")
	require.NoError(t, err)

	router := gin.New()
	router.Use(validator.Middleware())
	router.GET("/guarded", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/guarded", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication required")

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/guarded", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_OpenWithoutConfiguredTokens(t *testing.T) {
	validator, err := NewValidator(nil, "")
	require.NoError(t, err)

	router := gin.New()
	router.Use(validator.Middleware())
	router.GET("/guarded", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/guarded", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
