package auditchain

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint captures the chain head at a given chain index.
type Checkpoint struct {
	ChainIndex int       `json:"chain_index"`
	HeadHash   string    `json:"head_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// SignedCheckpoint wraps a checkpoint with a detached ECDSA signature.
type SignedCheckpoint struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	Signature  string     `json:"signature"`
}

// WriteCheckpoint signs the current chain head with the configured
// ECDSA private key and writes it to dir, returning the path written.
func WriteCheckpoint(dir string, index int, headHash string, privateKeyPath string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("checkpoint dir required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("mkdir checkpoint dir: %w", err)
	}

	cp := Checkpoint{ChainIndex: index, HeadHash: headHash, CreatedAt: time.Now().UTC()}
	canon, err := canonicalizeCheckpoint(cp)
	if err != nil {
		return "", err
	}

	sig, err := signMessageECDSA(privateKeyPath, []byte(canon))
	if err != nil {
		return "", err
	}

	sc := SignedCheckpoint{Checkpoint: cp, Signature: base64.StdEncoding.EncodeToString(sig)}
	b, err := json.Marshal(sc)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	name := fmt.Sprintf("checkpoint-%s-%d.json", time.Now().UTC().Format("20060102-150405"), index)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0644); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	return path, nil
}

// VerifyCheckpoint checks a signed checkpoint file's signature and
// that its head hash matches expectedHeadHash.
func VerifyCheckpoint(path, publicKeyPath, expectedHeadHash string) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read checkpoint: %w", err)
	}
	var sc SignedCheckpoint
	if err := json.Unmarshal(b, &sc); err != nil {
		return false, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if sc.Checkpoint.HeadHash != expectedHeadHash {
		return false, nil
	}

	canon, err := canonicalizeCheckpoint(sc.Checkpoint)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(sc.Signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	return verifyMessageECDSA(publicKeyPath, []byte(canon), sig)
}

// canonicalizeCheckpoint pins a deterministic field order so the same
// checkpoint data always produces the same signed message.
func canonicalizeCheckpoint(cp Checkpoint) (string, error) {
	m := map[string]any{
		"chain_index": cp.ChainIndex,
		"head_hash":   cp.HeadHash,
		"created_at":  cp.CreatedAt.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func signMessageECDSA(privateKeyPath string, msg []byte) ([]byte, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM for private key")
	}

	var pk *ecdsa.PrivateKey
	if block.Type == "EC PRIVATE KEY" {
		pk, err = x509.ParseECPrivateKey(block.Bytes)
	} else {
		var key any
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			pk, ok = key.(*ecdsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("not an ECDSA private key")
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if pk.Curve != elliptic.P256() {
		return nil, fmt.Errorf("unsupported curve: want P-256")
	}

	sum := sha256.Sum256(msg)
	return ecdsa.SignASN1(rand.Reader, pk, sum[:])
}

func verifyMessageECDSA(publicKeyPath string, msg []byte, sig []byte) (bool, error) {
	keyBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return false, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return false, fmt.Errorf("invalid PEM for public key")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return false, fmt.Errorf("not an ECDSA public key")
	}
	if pub.Curve != elliptic.P256() {
		return false, fmt.Errorf("unsupported curve: want P-256")
	}

	sum := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(pub, sum[:], sig), nil
}

// GenerateKeyPair creates a fresh P-256 key pair and writes PEM files
// to privPath/pubPath, for first-time setup of a checkpoint signer.
func GenerateKeyPair(privPath, pubPath string) error {
	pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(pk)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&pk.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}
