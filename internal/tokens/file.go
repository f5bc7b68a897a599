package tokens

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// argon2id parameters for deriving the sealing key from the passphrase.
const (
	kdfMemory      = 64 * 1024
	kdfIterations  = 2
	kdfParallelism = 1
	kdfSaltLength  = 16
	kdfKeyLength   = chacha20poly1305.KeySize
)

// envelope is the on-disk representation: a fresh salt and nonce per write,
// ciphertext of the JSON-encoded Record.
type envelope struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// File persists the credential pair in a single sealed file. It is the
// durable per-session store: tokens survive process restarts but any
// tampering or passphrase mismatch reads as absent credentials.
type File struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
	now        func() time.Time
}

// FileOption configures a File store.
type FileOption func(*File)

// WithFileClock overrides the time source (useful for tests).
func WithFileClock(fn func() time.Time) FileOption {
	return func(f *File) {
		if fn != nil {
			f.now = fn
		}
	}
}

// NewFile constructs a sealed file store at path.
func NewFile(path string, passphrase []byte, opts ...FileOption) (*File, error) {
	if path == "" {
		return nil, errors.New("tokens: path is required")
	}
	if len(passphrase) == 0 {
		return nil, errors.New("tokens: passphrase is required")
	}
	f := &File{
		path:       path,
		passphrase: append([]byte(nil), passphrase...),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Save seals the record and replaces the file via temp-file rename so a
// crash mid-write never leaves a partial store behind.
func (f *File) Save(rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !rec.Valid(f.now()) {
		return ErrExpired
	}

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tokens: encode record: %w", err)
	}

	salt := make([]byte, kdfSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("tokens: generate salt: %w", err)
	}
	aead, err := f.aead(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("tokens: generate nonce: %w", err)
	}

	env := envelope{
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("tokens: encode envelope: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("tokens: create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("tokens: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("tokens: write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("tokens: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("tokens: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("tokens: replace store: %w", err)
	}
	return nil
}

// Load reads and unseals the record. A missing file, unreadable envelope,
// failed unseal, or expired record all report ok=false; only unexpected I/O
// failures surface as errors. An expired record is removed on read.
func (f *File) Load() (Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("tokens: read store: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Record{}, false, nil
	}
	aead, err := f.aead(env.Salt)
	if err != nil {
		return Record{}, false, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return Record{}, false, nil
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return Record{}, false, nil
	}
	if !rec.Valid(f.now()) {
		_ = os.Remove(f.path)
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Clear removes the store file. Removing an absent file is not an error.
func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tokens: remove store: %w", err)
	}
	return nil
}

func (f *File) aead(salt []byte) (cipher.AEAD, error) {
	if len(salt) != kdfSaltLength {
		salt = make([]byte, kdfSaltLength)
	}
	key := argon2.IDKey(f.passphrase, salt, kdfIterations, kdfMemory, kdfParallelism, kdfKeyLength)
	c, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("tokens: init cipher: %w", err)
	}
	return c, nil
}
