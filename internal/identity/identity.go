// Package identity manages the device's persistent Ed25519 keypair.
//
// The device id is derived from the public key (hex of its SHA-256) so the
// gateway can recognise a device across reinstalls of everything except the
// key material itself. Private keys never leave this package; callers get
// signatures and the public-key token only.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrKeyMaterial = errors.New("malformed identity key material")
	ErrStoreWrite  = errors.New("failed to write identity file")
)

const identityFileName = "identity.json"

// Identity is the device's signing identity. The zero value is unusable;
// obtain one via LoadOrCreate.
type Identity struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	CreatedAt  time.Time
}

// identityFile is the on-disk JSON shape. The private key is stored as the
// 32-byte Ed25519 seed, base64url without padding.
type identityFile struct {
	DeviceID   string    `json:"deviceId"`
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DeriveDeviceID returns hex(sha256(publicKey)).
func DeriveDeviceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// LoadOrCreate reads the persisted identity from dir, generating and
// persisting a fresh keypair if none exists. A stored identity whose device id
// no longer matches its key material is silently corrected and re-persisted;
// callers never see that migration fail.
func LoadOrCreate(dir string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity dir: %w", err)
	}

	path := filepath.Join(dir, identityFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read identity: %w", err)
		}
		return generate(dir)
	}

	id, err := decode(data)
	if err != nil {
		// Unreadable identity file: regenerating would orphan the device's
		// pairing, so surface the error instead.
		return nil, fmt.Errorf("decode identity: %w", err)
	}

	// Self-healing migration: recompute the id from key material and fix the
	// stored copy if the derivation changed. Persist failures here are
	// non-fatal; the corrected id is still used in memory.
	if derived := DeriveDeviceID(id.PublicKey); derived != id.DeviceID {
		id.DeviceID = derived
		_ = persist(dir, id)
	}

	return id, nil
}

func generate(dir string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	id := &Identity{
		DeviceID:   DeriveDeviceID(pub),
		PublicKey:  pub,
		privateKey: priv,
		CreatedAt:  time.Now().UTC(),
	}
	if err := persist(dir, id); err != nil {
		return nil, err
	}
	return id, nil
}

func decode(data []byte) (*Identity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	pub, err := base64.RawURLEncoding.DecodeString(f.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, ErrKeyMaterial
	}
	seed, err := base64.RawURLEncoding.DecodeString(f.PrivateKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, ErrKeyMaterial
	}
	priv := ed25519.NewKeyFromSeed(seed)
	if !ed25519.PublicKey(pub).Equal(priv.Public().(ed25519.PublicKey)) {
		return nil, ErrKeyMaterial
	}
	return &Identity{
		DeviceID:   f.DeviceID,
		PublicKey:  ed25519.PublicKey(pub),
		privateKey: priv,
		CreatedAt:  f.CreatedAt,
	}, nil
}

// persist writes the identity atomically with restrictive permissions.
func persist(dir string, id *Identity) error {
	f := identityFile{
		DeviceID:   id.DeviceID,
		PublicKey:  base64.RawURLEncoding.EncodeToString(id.PublicKey),
		PrivateKey: base64.RawURLEncoding.EncodeToString(id.privateKey.Seed()),
		CreatedAt:  id.CreatedAt,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	tmp, err := os.CreateTemp(dir, identityFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	tmpName := tmp.Name()
	_ = os.Chmod(tmpName, 0o600)
	defer func() {
		if tmp != nil {
			tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	if err := tmp.Close(); err != nil {
		tmp = nil
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	tmp = nil

	if err := os.Rename(tmpName, filepath.Join(dir, identityFileName)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return nil
}

// Sign returns a deterministic Ed25519 signature over payload, or nil if the
// key material is malformed. It never panics into the caller.
func (id *Identity) Sign(payload []byte) []byte {
	if id == nil || len(id.privateKey) != ed25519.PrivateKeySize {
		return nil
	}
	return ed25519.Sign(id.privateKey, payload)
}

// PublicKeyToken returns the wire-visible identity token: the raw public key
// as unpadded base64url.
func (id *Identity) PublicKeyToken() string {
	return base64.RawURLEncoding.EncodeToString(id.PublicKey)
}
