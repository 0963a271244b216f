package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"

	"github.com/rotisserie/eris"
	"golang.org/x/crypto/argon2"
)

// Key derivation parameters (argon2id, OWASP password-storage profile).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	keyLen       = 32 // AES-256
	saltLen      = 16
	nonceLen     = 12
)

// envelope is the on-disk vault file: everything needed to decrypt except
// the master password.
type envelope struct {
	Version    string `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, keyLen)
}

// seal encrypts plaintext under password with a fresh salt and nonce and
// returns the serialized envelope.
func seal(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, eris.Wrap(err, "vault: generate salt")
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, eris.Wrap(err, "vault: generate nonce")
	}

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, eris.Wrap(err, "vault: create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, eris.Wrap(err, "vault: create gcm")
	}

	env := envelope{
		Version:    "1.0",
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, eris.Wrap(err, "vault: marshal envelope")
	}
	return out, nil
}

// open decrypts a serialized envelope. A wrong password surfaces as a GCM
// authentication failure.
func open(blob []byte, password string) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, eris.Wrap(err, "vault: corrupt vault file")
	}
	if len(env.Salt) != saltLen || len(env.Nonce) != nonceLen {
		return nil, eris.New("vault: corrupt vault file: bad salt or nonce length")
	}

	block, err := aes.NewCipher(deriveKey(password, env.Salt))
	if err != nil {
		return nil, eris.Wrap(err, "vault: create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, eris.Wrap(err, "vault: create gcm")
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrBadPassword
	}
	return plaintext, nil
}
