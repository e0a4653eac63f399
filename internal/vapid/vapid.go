// Package vapid signs VAPID (RFC 8292) claims for outbound push
// notifications, mirroring aplt/vapid.py's Vapid class: an ECDSA P-256
// keypair, an ES256-signed compact JWS, and the Crypto-key/Authorization
// header pair the push server expects.
package vapid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mozilla-services/autopush-loadtester/internal/command"
)

const (
	pemFileHeader  = "-----BEGIN"
	defaultClaimTTL = 12 * time.Hour
)

// Signer holds one VAPID keypair and signs claims for notification sends.
type Signer struct {
	key *ecdsa.PrivateKey
}

// Generate creates a fresh P-256 keypair, for runs that don't pin a
// stable application server identity across restarts.
func Generate() (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("vapid: generate key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Load reads an EC private key from a PEM file path or inline PEM text,
// matching runner.py's PEM-or-path sniff for --vapid_private_key.
func Load(pemOrPath string) (*Signer, error) {
	data, err := resolvePEM(pemOrPath)
	if err != nil {
		return nil, fmt.Errorf("vapid: read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("vapid: no PEM block found")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("vapid: parse EC private key: %w", err)
	}
	return &Signer{key: key}, nil
}

func resolvePEM(pemOrPath string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(pemOrPath), pemFileHeader) {
		return []byte(pemOrPath), nil
	}
	return os.ReadFile(pemOrPath)
}

// PublicKeyBase64 returns the uncompressed public point, base64url
// encoded without padding, as carried in the Crypto-key header's
// p256ecdsa parameter.
func (s *Signer) PublicKeyBase64() string {
	pub := elliptic.Marshal(s.key.Curve, s.key.PublicKey.X, s.key.PublicKey.Y)
	return base64.RawURLEncoding.EncodeToString(pub)
}

// Headers signs claims for a send to endpointURL and returns the
// Authorization and Crypto-Key header values to attach to the POST. When
// claims carries no "aud", it is derived from the endpoint's
// scheme://host, matching runner.py:send_notification.
func (s *Signer) Headers(endpointURL string, claims command.VapidClaims) (map[string]string, error) {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return nil, fmt.Errorf("vapid: parse endpoint: %w", err)
	}

	signed := jwt.MapClaims{}
	for k, v := range claims {
		signed[k] = v
	}
	if _, ok := signed["aud"]; !ok {
		signed["aud"] = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}
	if _, ok := signed["exp"]; !ok {
		signed["exp"] = time.Now().Add(defaultClaimTTL).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, signed)
	jws, err := token.SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("vapid: sign claims: %w", err)
	}

	return map[string]string{
		"Authorization": "Bearer " + jws,
		"Crypto-Key":    "p256ecdsa=" + s.PublicKeyBase64(),
	}, nil
}
