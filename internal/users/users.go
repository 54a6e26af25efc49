// Package users implements the user registry: bcrypt-verified login,
// per-user encrypted secret storage, and gateway username mappings.
//
// Secrets are encrypted with AES-GCM under a key derived from the user's
// password via PBKDF2-HMAC-SHA256. Plaintext exists in memory only while the
// user is authenticated; the persisted file carries ciphertext exclusively.
package users

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// ErrUserExists is returned when registering a name already taken.
var ErrUserExists = errors.New("user already registered")

// ErrUserNotFound is returned when no user is registered under a name.
var ErrUserNotFound = errors.New("user not registered")

// ErrNotAuthenticated is returned when secrets are requested for a user whose
// password has not been verified this process.
var ErrNotAuthenticated = errors.New("user not authenticated")

const (
	keyIterations = 100_000
	keyLength     = 32
	saltLength    = 16
)

// record is the persisted form of one user.
type record struct {
	Name             string            `json:"name"`
	PasswordHash     string            `json:"password_hash"`
	EncryptedSecrets map[string]string `json:"encrypted_secrets"`

	// Mappings associates gateway names with this user's username on that
	// gateway, e.g. {"slack": "U123"}.
	Mappings map[string]string `json:"mappings,omitempty"`
}

// Registry is the file-backed user store.
type Registry struct {
	mu      sync.Mutex
	path    string
	records map[string]*record

	// sessions holds the decrypted state of currently authenticated users.
	sessions map[string]*authSession
}

type authSession struct {
	password string
	secrets  map[string]string
}

// NewRegistry opens (or creates) the user registry at path.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:     path,
		records:  make(map[string]*record),
		sessions: make(map[string]*authSession),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read user registry: %w", err)
	}
	var list []*record
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse user registry: %w", err)
	}
	for _, rec := range list {
		r.records[rec.Name] = rec
	}
	return r, nil
}

// Register creates a new user with the given secrets and gateway mappings.
func (r *Registry) Register(name, password string, secrets map[string]string, mappings map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[name]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, name)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	encrypted := make(map[string]string, len(secrets))
	for k, v := range secrets {
		ct, err := encryptSecret(password, v)
		if err != nil {
			return fmt.Errorf("encrypt secret %s: %w", k, err)
		}
		encrypted[k] = ct
	}

	r.records[name] = &record{
		Name:             name,
		PasswordHash:     base64.StdEncoding.EncodeToString(hash),
		EncryptedSecrets: encrypted,
		Mappings:         mappings,
	}
	return r.saveLocked()
}

// Authenticate verifies the password and, on success, decrypts the user's
// secrets into memory. Any decryption failure fails the whole authentication
// and leaves no partial state.
func (r *Registry) Authenticate(name, password string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}
	hash, err := base64.StdEncoding.DecodeString(rec.PasswordHash)
	if err != nil {
		return false, fmt.Errorf("decode password hash: %w", err)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return false, nil
	}

	secrets := make(map[string]string, len(rec.EncryptedSecrets))
	for k, ct := range rec.EncryptedSecrets {
		v, err := decryptSecret(password, ct)
		if err != nil {
			return false, nil
		}
		secrets[k] = v
	}
	r.sessions[name] = &authSession{password: password, secrets: secrets}
	return true, nil
}

// Authenticated reports whether the user has been verified this process.
func (r *Registry) Authenticated(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[name]
	return ok
}

// Deauthenticate drops the user's in-memory plaintext secrets.
func (r *Registry) Deauthenticate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, name)
}

// Secrets returns a copy of the user's decrypted secrets.
func (r *Registry) Secrets(name string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthenticated, name)
	}
	out := make(map[string]string, len(sess.secrets))
	for k, v := range sess.secrets {
		out[k] = v
	}
	return out, nil
}

// Secret returns one decrypted secret value.
func (r *Registry) Secret(name, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotAuthenticated, name)
	}
	v, ok := sess.secrets[key]
	if !ok {
		return "", fmt.Errorf("secret %q not set for %s", key, name)
	}
	return v, nil
}

// SetSecret updates one secret, re-encrypts the user's secrets with a fresh
// salt, and persists.
func (r *Registry) SetSecret(name, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, name)
	}
	sess.secrets[key] = value
	return r.reencryptLocked(name, sess)
}

// DeleteSecret removes one secret and persists.
func (r *Registry) DeleteSecret(name, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, name)
	}
	delete(sess.secrets, key)
	return r.reencryptLocked(name, sess)
}

// Mappings returns the inverted gateway_username -> system_username map for
// all users declaring the given gateway.
func (r *Registry) Mappings(gateway string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string)
	for name, rec := range r.records {
		if gwName, ok := rec.Mappings[gateway]; ok {
			out[gwName] = name
		}
	}
	return out
}

func (r *Registry) reencryptLocked(name string, sess *authSession) error {
	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}
	encrypted := make(map[string]string, len(sess.secrets))
	for k, v := range sess.secrets {
		ct, err := encryptSecret(sess.password, v)
		if err != nil {
			return fmt.Errorf("encrypt secret %s: %w", k, err)
		}
		encrypted[k] = ct
	}
	rec.EncryptedSecrets = encrypted
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	list := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		list = append(list, rec)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode user registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create user registry dir: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("write user registry: %w", err)
	}
	return nil
}

// encryptSecret seals value under a key derived from password and a fresh
// salt, returning base64(salt || nonce || ciphertext).
func encryptSecret(password, value string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, []byte(value), nil)

	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

func decryptSecret(password, encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	if len(blob) < saltLength {
		return "", errors.New("secret blob too short")
	}
	salt, rest := blob[:saltLength], blob[saltLength:]
	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", errors.New("secret blob too short")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, keyIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
