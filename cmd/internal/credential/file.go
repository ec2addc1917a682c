package credential

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const fileFormatVersion = 1

// KDFParams controls Argon2id key derivation for encrypted files.
// MemoryKiB is in KiB as required by argon2.IDKey.
type KDFParams struct {
	MemoryKiB   uint32 `json:"m"`
	Iterations  uint32 `json:"t"`
	Parallelism uint8  `json:"p"`
}

// DefaultKDFParams is used when a new encrypted file is created.
var DefaultKDFParams = KDFParams{
	MemoryKiB:   64 * 1024, // 64 MiB
	Iterations:  1,
	Parallelism: 4,
}

// FileStore persists credentials as a JSON file, written atomically with 0600
// permissions. When a passphrase is supplied the item map is sealed with
// XChaCha20-Poly1305 under an Argon2id-derived key.
type FileStore struct {
	mu    sync.Mutex
	path  string
	items map[string]string

	passphrase []byte
	kdf        KDFParams
	salt       []byte
	key        []byte
}

var _ Store = (*FileStore)(nil)

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithPassphrase enables encryption at rest.
func WithPassphrase(passphrase string) FileOption {
	return func(s *FileStore) {
		if passphrase != "" {
			s.passphrase = []byte(passphrase)
		}
	}
}

// WithKDFParams overrides the Argon2id cost for newly created files.
func WithKDFParams(p KDFParams) FileOption {
	return func(s *FileStore) { s.kdf = p }
}

type fileEnvelope struct {
	V     int               `json:"v"`
	Items map[string]string `json:"items,omitempty"`

	KDF   *KDFParams `json:"kdf,omitempty"`
	Salt  []byte     `json:"salt,omitempty"`
	Nonce []byte     `json:"nonce,omitempty"`
	Data  []byte     `json:"data,omitempty"`
}

// DefaultFilePath returns ~/.config/<appName>/credentials.json (or the OS equivalent).
func DefaultFilePath(appName string) (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", fmt.Errorf("credential: could not determine config directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	if appName == "" {
		appName = "taskline"
	}
	return filepath.Join(configDir, appName, "credentials.json"), nil
}

// OpenFileStore loads path if it exists, or prepares an empty store that will
// create it on first write. A wrong passphrase yields ErrDecrypt.
func OpenFileStore(path string, opts ...FileOption) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("credential: empty file path")
	}
	s := &FileStore{
		path:  path,
		items: make(map[string]string),
		kdf:   DefaultKDFParams,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		// Fresh file: derive with a new salt.
		if s.passphrase != nil {
			s.salt = make([]byte, 16)
			if _, err := rand.Read(s.salt); err != nil {
				return nil, fmt.Errorf("credential: salt: %w", err)
			}
			s.key = deriveKey(s.passphrase, s.salt, s.kdf)
		}
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("credential: parse %s: %w", s.path, err)
	}
	if env.V != fileFormatVersion {
		return fmt.Errorf("credential: unsupported file version %d", env.V)
	}

	if env.Data == nil {
		if s.passphrase != nil {
			// Plaintext file opened with a passphrase: migrate on next write.
			s.salt = make([]byte, 16)
			if _, err := rand.Read(s.salt); err != nil {
				return fmt.Errorf("credential: salt: %w", err)
			}
			s.key = deriveKey(s.passphrase, s.salt, s.kdf)
		}
		if env.Items != nil {
			s.items = env.Items
		}
		return nil
	}

	if s.passphrase == nil || env.KDF == nil {
		return ErrDecrypt
	}
	s.kdf = *env.KDF
	s.salt = env.Salt
	s.key = deriveKey(s.passphrase, s.salt, s.kdf)

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return fmt.Errorf("credential: cipher: %w", err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return ErrDecrypt
	}
	plain, err := aead.Open(nil, env.Nonce, env.Data, nil)
	if err != nil {
		return ErrDecrypt
	}
	items := make(map[string]string)
	if err := json.Unmarshal(plain, &items); err != nil {
		return ErrDecrypt
	}
	s.items = items
	return nil
}

func deriveKey(passphrase, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(passphrase, salt, p.Iterations, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)
}

// save must be called with s.mu held.
func (s *FileStore) save() error {
	env := fileEnvelope{V: fileFormatVersion}

	if s.key == nil {
		env.Items = s.items
	} else {
		plain, err := json.Marshal(s.items)
		if err != nil {
			return fmt.Errorf("credential: encode: %w", err)
		}
		aead, err := chacha20poly1305.NewX(s.key)
		if err != nil {
			return fmt.Errorf("credential: cipher: %w", err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("credential: nonce: %w", err)
		}
		kdf := s.kdf
		env.KDF = &kdf
		env.Salt = s.salt
		env.Nonce = nonce
		env.Data = aead.Seal(nil, nonce, plain, nil)
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credential: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("credential: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("credential: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("credential: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("credential: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credential: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("credential: rename: %w", err)
	}
	return nil
}

func (s *FileStore) get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key], nil
}

func (s *FileStore) set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.items[key]
	if value == "" {
		if !had {
			return nil
		}
		delete(s.items, key)
	} else {
		if had && prev == value {
			return nil
		}
		s.items[key] = value
	}

	if err := s.save(); err != nil {
		// Keep memory consistent with disk.
		if had {
			s.items[key] = prev
		} else {
			delete(s.items, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Token(ctx context.Context) (string, error) {
	return s.get(ctx, keyAccessToken)
}

func (s *FileStore) SetToken(ctx context.Context, token string) error {
	return s.set(ctx, keyAccessToken, token)
}

func (s *FileStore) RefreshToken(ctx context.Context) (string, error) {
	return s.get(ctx, keyRefreshToken)
}

func (s *FileStore) SetRefreshToken(ctx context.Context, token string) error {
	return s.set(ctx, keyRefreshToken, token)
}

func (s *FileStore) Item(ctx context.Context, key string) (string, error) {
	if err := validateItemKey(key); err != nil {
		return "", err
	}
	return s.get(ctx, key)
}

func (s *FileStore) SetItem(ctx context.Context, key, value string) error {
	if err := validateItemKey(key); err != nil {
		return err
	}
	return s.set(ctx, key, value)
}

func (s *FileStore) ClearAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.items
	s.items = make(map[string]string)
	if err := s.save(); err != nil {
		s.items = prev
		return err
	}
	return nil
}
