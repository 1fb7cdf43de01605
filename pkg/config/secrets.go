package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// SecretsFileName is the encrypted credential store inside the state directory.
const SecretsFileName = "secrets.json.enc"

const (
	saltSize  = 16
	nonceSize = 12
	gcmTag    = 16
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
	keySize   = 32
)

//nolint:gochecknoglobals // decrypted secrets live in memory for the process lifetime
var (
	secrets   map[string]string
	secretsMu sync.RWMutex
)

// SetDecryptedSecrets replaces the in-memory secret set.
func SetDecryptedSecrets(s map[string]string) {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	secrets = s
}

// GetSecret looks a name up in decrypted secrets, then the environment.
func GetSecret(name string) (string, error) {
	secretsMu.RLock()
	if v, ok := secrets[name]; ok && v != "" {
		secretsMu.RUnlock()
		return v, nil
	}
	secretsMu.RUnlock()

	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// SetSecret stores a secret in memory.
func SetSecret(name, value string) {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[name] = value
}

// SecretNames lists stored secret names, sorted.
func SecretNames() []string {
	secretsMu.RLock()
	defer secretsMu.RUnlock()
	names := make([]string, 0, len(secrets))
	for n := range secrets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SaveSecrets encrypts the in-memory secrets into dir.
func SaveSecrets(dir, password string) error {
	secretsMu.RLock()
	snapshot := make(map[string]string, len(secrets))
	for k, v := range secrets {
		snapshot[k] = v
	}
	secretsMu.RUnlock()
	return EncryptSecretsFile(dir, password, snapshot)
}

// SecretsFileExists reports whether dir holds an encrypted secrets file.
func SecretsFileExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, SecretsFileName))
	return err == nil
}

// EncryptSecretsFile writes [salt][nonce][ciphertext+tag] with mode 0600.
func EncryptSecretsFile(dir, password string, s map[string]string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, wipe, err := newGCM(password, salt)
	if err != nil {
		return err
	}
	defer wipe()

	plaintext, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	data := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	data = append(data, salt...)
	data = append(data, nonce...)
	data = append(data, ciphertext...)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, SecretsFileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads and decrypts the secrets file in dir.
func DecryptSecretsFile(dir, password string) (map[string]string, error) {
	path := filepath.Join(dir, SecretsFileName)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("failed to fix secrets file permissions: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(data) < saltSize+nonceSize+gcmTag {
		return nil, fmt.Errorf("secrets file is corrupted (too small)")
	}

	gcm, wipe, err := newGCM(password, data[:saltSize])
	if err != nil {
		return nil, err
	}
	defer wipe()

	plaintext, err := gcm.Open(nil, data[saltSize:saltSize+nonceSize], data[saltSize+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password or corrupted file)")
	}
	var out map[string]string
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return out, nil
}

// newGCM derives an AES-256-GCM cipher from password and salt. The returned
// func zeroes the derived key.
func newGCM(password string, salt []byte) (cipher.AEAD, func(), error) {
	pw := []byte(password)
	defer func() {
		for i := range pw {
			pw[i] = 0
		}
	}()
	key, err := scrypt.Key(pw, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive key: %w", err)
	}
	wipe := func() {
		for i := range key {
			key[i] = 0
		}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		wipe()
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		wipe()
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, wipe, nil
}
