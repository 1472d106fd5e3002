package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
	x25519PrivatePEMType  = "X25519 PRIVATE KEY"

	// IdentityKeyFile holds the long-term X25519 key the identity id is derived from.
	IdentityKeyFile = "identity_x25519.pem"
	// SigningKeyFile holds the Ed25519 key used to sign link handshakes.
	SigningKeyFile = "identity_ed25519.pem"
	// SigningPublicKeyFile mirrors the Ed25519 public key for out-of-band verification.
	SigningPublicKeyFile = "identity_ed25519.pub"
)

var x25519Curve = ecdh.X25519()

// Identity is the local long-term key material. Every device of an identity
// carries the same X25519 key; the hex encoding of its public half is the
// identity id used to address conversations.
type Identity struct {
	Static         *ecdh.PrivateKey
	SigningPrivate ed25519.PrivateKey
	SigningPublic  ed25519.PublicKey
}

// ID returns the identity id.
func (id *Identity) ID() string {
	return IdentityIDFromKey(id.Static.PublicKey().Bytes())
}

// Fingerprint returns the signing key fingerprint.
func (id *Identity) Fingerprint() string {
	return KeyFingerprint(id.SigningPublic)
}

// GenerateIdentity creates fresh key material without touching disk.
func GenerateIdentity() (*Identity, error) {
	static, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	signingPublic, signingPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return &Identity{Static: static, SigningPrivate: signingPrivate, SigningPublic: signingPublic}, nil
}

// EnsureIdentity loads the identity stored in keysDir, generating it on first run.
func EnsureIdentity(keysDir string) (*Identity, error) {
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}

	static, err := ensureX25519PrivateKey(filepath.Join(keysDir, IdentityKeyFile))
	if err != nil {
		return nil, err
	}
	signingPrivate, signingPublic, err := ensureEd25519KeyPair(
		filepath.Join(keysDir, SigningKeyFile),
		filepath.Join(keysDir, SigningPublicKeyFile),
	)
	if err != nil {
		return nil, err
	}

	return &Identity{Static: static, SigningPrivate: signingPrivate, SigningPublic: signingPublic}, nil
}

// IdentityIDFromKey encodes a static X25519 public key as an identity id.
func IdentityIDFromKey(publicKey []byte) string {
	return hex.EncodeToString(publicKey)
}

// StaticKeyFromIdentityID decodes an identity id back into its X25519 public key.
func StaticKeyFromIdentityID(identityID string) (*ecdh.PublicKey, error) {
	raw, err := hex.DecodeString(identityID)
	if err != nil {
		return nil, fmt.Errorf("decode identity id: %w", err)
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return publicKey, nil
}

// GenerateX25519PrivateKey creates a new X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// ParseX25519PublicKey parses a raw 32-byte X25519 public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

func ensureX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := readPEM(path, x25519PrivatePEMType, 32)
	if err == nil {
		privateKey, err := x25519Curve.NewPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse X25519 private key: %w", err)
		}
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	if err := writePEM(path, x25519PrivatePEMType, privateKey.Bytes(), 0o600); err != nil {
		return nil, err
	}
	return privateKey, nil
}

func ensureEd25519KeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	raw, err := readPEM(privatePath, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err == nil {
		privateKey := ed25519.PrivateKey(raw)
		publicKey := privateKey.Public().(ed25519.PublicKey)

		stored, pubErr := readPEM(publicPath, ed25519PublicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, publicKey) {
			if err := writePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := writePEM(privatePath, ed25519PrivatePEMType, privateKey, 0o600); err != nil {
		return nil, nil, err
	}
	if err := writePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

func readPEM(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(blockType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", path)
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", path, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", path, len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEM(path, blockType string, key []byte, perm os.FileMode) error {
	block := &pem.Block{Type: blockType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(blockType), err)
	}
	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups a fingerprint in uppercase chunks of 4.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
