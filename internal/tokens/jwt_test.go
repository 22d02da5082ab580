package tokens_test

import (
	"testing"

	"github.com/technosupport/ts-nvr/internal/tokens"
)

func TestTokenGeneration(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key")

	token, err := mgr.GenerateAPIToken()
	if err != nil {
		t.Fatalf("Failed to generate api token: %v", err)
	}

	claims, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate token: %v", err)
	}

	if claims.Scope != tokens.ScopeAPI {
		t.Errorf("Expected scope %s, got %s", tokens.ScopeAPI, claims.Scope)
	}
	if claims.ID == "" {
		t.Error("Expected a jti to be set")
	}
}

func TestStreamTokenScope(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key")

	token, err := mgr.GenerateStreamToken()
	if err != nil {
		t.Fatalf("Failed to generate stream token: %v", err)
	}

	claims, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate token: %v", err)
	}
	if claims.Scope != tokens.ScopeStream {
		t.Errorf("Expected scope %s, got %s", tokens.ScopeStream, claims.Scope)
	}
}

func TestInvalidSignature(t *testing.T) {
	mgr1 := tokens.NewManager("secret-1")
	mgr2 := tokens.NewManager("secret-2")

	token, _ := mgr1.GenerateAPIToken()
	_, err := mgr2.ValidateToken(token)
	if err == nil {
		t.Error("Expected validation error for wrong signature")
	}
}
