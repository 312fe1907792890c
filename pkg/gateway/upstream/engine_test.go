package upstream

import (
	"fmt"
	"testing"
)

func TestIsAuthError(t *testing.T) {
	base := &AuthError{Provider: "openai", Status: 401}
	if !IsAuthError(base) {
		t.Fatal("IsAuthError(AuthError) = false")
	}
	if !IsAuthError(fmt.Errorf("connect: %w", base)) {
		t.Fatal("IsAuthError(wrapped) = false")
	}
	if IsAuthError(fmt.Errorf("plain failure")) {
		t.Fatal("IsAuthError(plain) = true")
	}
}

func TestAuthErrorMessageNamesProvider(t *testing.T) {
	err := &AuthError{Provider: "gemini", Status: 403}
	want := "gemini rejected credentials (status 403)"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
