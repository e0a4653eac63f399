package vapid

import (
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mozilla-services/autopush-loadtester/internal/command"
)

func TestHeadersDerivesAudienceAndSignsES256(t *testing.T) {
	signer, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	headers, err := signer.Headers("https://push.example.com:443/wpush/v1/abc", command.VapidClaims{"sub": "mailto:ops@example.com"})
	if err != nil {
		t.Fatalf("headers: %v", err)
	}

	auth := headers["Authorization"]
	if !strings.HasPrefix(auth, "Bearer ") {
		t.Fatalf("unexpected Authorization header: %q", auth)
	}
	jws := strings.TrimPrefix(auth, "Bearer ")

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(jws, claims, func(tok *jwt.Token) (interface{}, error) {
		return &signer.key.PublicKey, nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("token did not verify against its own public key: %v", err)
	}
	if parsed.Method.Alg() != "ES256" {
		t.Fatalf("expected ES256, got %s", parsed.Method.Alg())
	}
	if claims["aud"] != "https://push.example.com:443" {
		t.Fatalf("unexpected derived audience: %v", claims["aud"])
	}
	if claims["sub"] != "mailto:ops@example.com" {
		t.Fatalf("expected caller-supplied sub to survive, got %v", claims["sub"])
	}

	cryptoKey := headers["Crypto-Key"]
	if !strings.HasPrefix(cryptoKey, "p256ecdsa=") {
		t.Fatalf("unexpected Crypto-Key header: %q", cryptoKey)
	}
}

func TestHeadersRespectsExplicitAudience(t *testing.T) {
	signer, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	headers, err := signer.Headers("https://push.example.com/x", command.VapidClaims{"aud": "https://override.example"})
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	claims := jwt.MapClaims{}
	jws := strings.TrimPrefix(headers["Authorization"], "Bearer ")
	if _, _, err := jwt.NewParser().ParseUnverified(jws, claims); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims["aud"] != "https://override.example" {
		t.Fatalf("expected explicit aud to win, got %v", claims["aud"])
	}
}
