// Package auth guards the ops API with static bearer tokens.
package auth

import (
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/applyforge/contentstore/pkg/types"
)

// Validator handles authentication validation
type Validator struct {
	apiTokens map[string]bool
}

// NewValidator creates a new authentication validator. Tokens come from the
// configured list plus an optional token file with one token per line. With
// no tokens configured the API stays open.
func NewValidator(tokens []string, tokenFile string) (*Validator, error) {
	validator := &Validator{
		apiTokens: make(map[string]bool),
	}

	for _, token := range tokens {
		if token = strings.TrimSpace(token); token != "" {
			validator.apiTokens[token] = true
		}
	}

	if err := validator.loadTokenFile(tokenFile); err != nil {
		return nil, fmt.Errorf("failed to load API tokens: %w", err)
	}

	return validator, nil
}

// loadTokenFile loads API tokens from a file, one per line
func (v *Validator) loadTokenFile(path string) error {
	if path == "" {
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read API tokens: %w", err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		token := strings.TrimSpace(line)
		if token != "" {
			v.apiTokens[token] = true
		}
	}

	return nil
}

// Enabled reports whether any token is configured.
func (v *Validator) Enabled() bool {
	return len(v.apiTokens) > 0
}

// Middleware returns Gin middleware for authentication
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !v.Enabled() {
			c.Next()
			return
		}

		if v.validateAPIToken(c) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(401, types.ErrorResponse{
			Error:   "authentication required",
			Message: "provide a valid API token",
			Code:    401,
		})
	}
}

// validateAPIToken validates API token from Authorization or X-API-Token headers
func (v *Validator) validateAPIToken(c *gin.Context) bool {
	authHeader := c.GetHeader("Authorization")

	// Check for Bearer token in Authorization header
	if authHeader != "" && len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		token := authHeader[7:]
		return v.apiTokens[token]
	}

	// Check for X-API-Token header
	token := c.GetHeader("X-API-Token")
	if token != "" {
		return v.apiTokens[token]
	}

	return false
}
