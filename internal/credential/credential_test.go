package credential

import "testing"

func TestGenerateAgentTokenRoundTrip(t *testing.T) {
	token, err := GenerateAgentToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(token) < 32 {
		t.Fatalf("token too short: %q", token)
	}

	hash, err := HashToken(token)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifyToken(token, hash) {
		t.Fatal("expected token to verify against its own hash")
	}
	if VerifyToken("wrong-token", hash) {
		t.Fatal("expected wrong token to fail verification")
	}
}

func TestTokenPrefix(t *testing.T) {
	if got := TokenPrefix("abcdefghijklmnop"); got != "abcdefgh" {
		t.Fatalf("prefix = %q", got)
	}
	if got := TokenPrefix("short"); got != "short" {
		t.Fatalf("prefix = %q", got)
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifyPassword("correct horse battery staple", hash) {
		t.Fatal("expected password to verify")
	}
	if VerifyPassword("wrong", hash) {
		t.Fatal("expected wrong password to fail")
	}
}
