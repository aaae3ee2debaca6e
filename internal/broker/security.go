package broker

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Encryption modes.
const (
	EncryptionNone   = "none"
	EncryptionAgent  = "agent"
	EncryptionAES256 = "aes256"
)

// Agent public key formats.
const (
	KeyFormatPEM = "pem"
	KeyFormatAge = "age"
)

var (
	// ErrUnsupportedEncryption is returned for reserved encryption modes.
	ErrUnsupportedEncryption = errors.New("unsupported encryption mode")
	// ErrNoRecipientKey means the agent has no key usable for encryption.
	ErrNoRecipientKey = errors.New("agent has no age public key")
	// ErrBadSignature means a signed message failed verification.
	ErrBadSignature = errors.New("signature verification failed")
)

// Signer signs outbound messages with the core's RSA private key.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner wraps a private key.
func NewSigner(key *rsa.PrivateKey) *Signer { return &Signer{key: key} }

// LoadOrCreateSigner reads the PEM private key at privPath, generating and
// writing a 2048-bit key pair (public key to pubPath) when it is missing.
func LoadOrCreateSigner(privPath, pubPath string) (*Signer, error) {
	data, err := os.ReadFile(privPath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Core signing key not found; generating a new key pair", "path", privPath)
		priv, pub, err := GenerateKeyPair(2048)
		if err != nil {
			return nil, err
		}
		if err := writeKey(privPath, priv, 0o600); err != nil {
			return nil, err
		}
		if pubPath != "" {
			if err := writeKey(pubPath, pub, 0o644); err != nil {
				return nil, err
			}
		}
		data = priv
	} else if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return NewSigner(key), nil
}

func writeKey(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write key %s: %w", path, err)
	}
	return nil
}

// GenerateKeyPair returns PEM-encoded PKCS#1 private and PKIX public keys.
func GenerateKeyPair(bits int) (privPEM, pubPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}

// ParsePrivateKey accepts PKCS#1 and PKCS#8 PEM.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing key: no PEM block")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("signing key: not an RSA key")
	}
	return rk, nil
}

// ParsePublicKey accepts PKIX and PKCS#1 PEM.
func ParsePublicKey(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("public key: no PEM block")
	}
	if k, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	rk, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key: not an RSA key")
	}
	return rk, nil
}

// PublicKeyPEM returns the signer's public key as PKIX PEM.
func (s *Signer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Sign returns the hex PKCS#1 v1.5 SHA-256 signature of msg.
func (s *Signer) Sign(msg []byte) (string, error) {
	sum := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// SignedMessage is the outbound wire wrapper.
type SignedMessage struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Wrap signs body and returns the JSON wrapper.
func (s *Signer) Wrap(body []byte) ([]byte, error) {
	sig, err := s.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return json.Marshal(SignedMessage{Message: string(body), Signature: sig})
}

// Verify checks a hex signature of msg against a PEM public key.
func Verify(pubPEM string, msg []byte, sigHex string) error {
	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	sum := sha256.Sum256(msg)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// Target identifies the receiving agent of a downlink message.
type Target struct {
	UUID      string
	Protocol  string
	PublicKey string
	KeyFormat string
}

// Encryptor encrypts a message body for one agent.
type Encryptor interface {
	Encrypt(body []byte, to Target) ([]byte, error)
}

// NewEncryptor returns the encryptor of a mode.
func NewEncryptor(mode string) (Encryptor, error) {
	switch strings.ToLower(mode) {
	case "", EncryptionNone:
		return plainEncryptor{}, nil
	case EncryptionAgent:
		return ageEncryptor{}, nil
	case EncryptionAES256:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncryption, mode)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncryption, mode)
}

type plainEncryptor struct{}

func (plainEncryptor) Encrypt(body []byte, _ Target) ([]byte, error) { return body, nil }

// ageEncryptor encrypts to the agent's X25519 age recipient with ASCII armor.
type ageEncryptor struct{}

func (ageEncryptor) Encrypt(body []byte, to Target) ([]byte, error) {
	if to.KeyFormat != KeyFormatAge || to.PublicKey == "" {
		return nil, fmt.Errorf("%w (agent %s)", ErrNoRecipientKey, to.UUID)
	}
	rcpt, err := age.ParseX25519Recipient(strings.TrimSpace(to.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("parse agent key: %w", err)
	}
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, rcpt)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecryptAge reverses the agent encryption with an age identity string.
func DecryptAge(armored []byte, identity string) ([]byte, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, err
	}
	r, err := age.Decrypt(armor.NewReader(bytes.NewReader(armored)), id)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
