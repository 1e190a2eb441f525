// ABOUTME: Encrypted per-platform session storage on the agent machine
// ABOUTME: AES-256-GCM with a PBKDF2 key derived from the API key and hardware id

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/trendhub/trendhub/internal/task"
)

const (
	// pbkdf2Iterations matches current OWASP guidance for SHA-256.
	pbkdf2Iterations = 480000
	keyLength        = 32
	saltLength       = 32
)

// Cookie is one browser cookie held in a session.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"http_only"`
	Expires  int64  `json:"expires"`
}

// Session is the plaintext payload of one vault file.
type Session struct {
	Cookies []Cookie  `json:"cookies"`
	SavedAt time.Time `json:"saved_at"`
}

// Vault stores one encrypted session file per platform under dir.
// The key is derived from the API key salted with the hardware id, so
// a copied vault directory is useless on another machine.
type Vault struct {
	dir    string
	key    []byte
	logger *slog.Logger
}

// New creates a Vault rooted at dir. The hwid must be the full hex
// fingerprint from HardwareID.
func New(dir, apiKey, hwid string, logger *slog.Logger) (*Vault, error) {
	if len(hwid) < saltLength {
		return nil, fmt.Errorf("hardware id too short: %d bytes", len(hwid))
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	salt := []byte(hwid[:saltLength])
	key := pbkdf2.Key([]byte(apiKey), salt, pbkdf2Iterations, keyLength, sha256.New)

	return &Vault{
		dir:    dir,
		key:    key,
		logger: logger.With("component", "vault"),
	}, nil
}

func (v *Vault) path(platform task.Platform) string {
	return filepath.Join(v.dir, string(platform)+".enc")
}

// Save encrypts and writes the session for the platform, replacing any
// existing one wholesale.
func (v *Vault) Save(platform task.Platform, cookies []Cookie) error {
	session := Session{Cookies: cookies, SavedAt: time.Now().UTC()}
	plaintext, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	ciphertext, err := v.seal(plaintext)
	if err != nil {
		return fmt.Errorf("encrypting session: %w", err)
	}

	if err := os.WriteFile(v.path(platform), ciphertext, 0600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}

	v.logger.Info("session saved", "platform", platform, "cookies", len(cookies))
	return nil
}

// Load returns the session for the platform, or (nil, nil) when there
// is none. A missing file, foreign hardware, or a corrupted file all
// read as "no session"; the caller re-authenticates either way.
func (v *Vault) Load(platform task.Platform) (*Session, error) {
	ciphertext, err := os.ReadFile(v.path(platform))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	plaintext, err := v.open(ciphertext)
	if err != nil {
		v.logger.Warn("session undecryptable, treating as absent", "platform", platform)
		return nil, nil
	}

	var session Session
	if err := json.Unmarshal(plaintext, &session); err != nil {
		v.logger.Warn("session unparseable, treating as absent", "platform", platform)
		return nil, nil
	}
	return &session, nil
}

// Delete removes the session for the platform. Deleting an absent
// session is not an error.
func (v *Vault) Delete(platform task.Platform) error {
	err := os.Remove(v.path(platform))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}

// Platforms lists platforms with a stored session.
func (v *Vault) Platforms() ([]task.Platform, error) {
	var have []task.Platform
	for _, p := range task.Platforms {
		if _, err := os.Stat(v.path(p)); err == nil {
			have = append(have, p)
		}
	}
	return have, nil
}

// seal encrypts plaintext with AES-256-GCM, prepending the nonce.
func (v *Vault) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a seal-produced blob.
func (v *Vault) open(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
