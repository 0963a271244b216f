// Package vault stores OpenDental API credentials in a password-encrypted
// file: one shared developer key plus a customer key per office. The file
// is sealed with AES-256-GCM under an argon2id-derived key and is only
// readable while the vault is unlocked in memory.
package vault

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
)

var (
	// ErrLocked is returned when an operation needs vault contents but the
	// vault has not been unlocked.
	ErrLocked = errors.New("vault is locked")

	// ErrNotFound is returned when an office has no stored credential.
	ErrNotFound = errors.New("office not found in vault")

	// ErrBadPassword is returned when decryption fails, which for GCM means
	// a wrong password or a tampered file.
	ErrBadPassword = errors.New("invalid master password")

	// ErrLockedOut is returned while the failed-attempt cooldown is active.
	ErrLockedOut = errors.New("too many failed unlock attempts")
)

const (
	maxUnlockAttempts = 3
	lockoutCooldown   = 60 * time.Second
	minPasswordLen    = 12
)

var officeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// entry is a stored per-office credential.
type entry struct {
	CustomerKey string    `json:"customer_key"`
	AddedAt     time.Time `json:"added_at"`
}

// contents is the decrypted vault payload.
type contents struct {
	DeveloperKey string           `json:"developer_key"`
	Offices      map[string]entry `json:"offices"`
}

// Vault manages the encrypted credential file at a fixed path. It
// satisfies the dispatcher's credential provider contract. Safe for
// concurrent use.
type Vault struct {
	path string

	mu             sync.Mutex
	unlocked       bool
	password       string
	data           contents
	failedAttempts int
	lockoutUntil   time.Time

	// OnEvent, if set, receives vault lifecycle notifications for the
	// audit trail. A nil field disables them.
	OnEvent func(event string, success bool)
}

// New returns a vault backed by the file at path. The file need not exist
// yet; Init creates it.
func New(path string) *Vault {
	return &Vault{path: path}
}

// Exists reports whether the vault file is present on disk.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Init creates a new vault file holding the developer key and no offices.
// It refuses to overwrite an existing vault.
func (v *Vault) Init(password, developerKey string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.Exists() {
		return eris.Errorf("vault: already exists at %s", v.path)
	}
	if err := checkPasswordStrength(password); err != nil {
		return err
	}
	if developerKey == "" {
		return eris.New("vault: developer key must not be empty")
	}

	v.data = contents{
		DeveloperKey: developerKey,
		Offices:      map[string]entry{},
	}
	v.password = password
	if err := v.save(); err != nil {
		v.password = ""
		return err
	}
	v.unlocked = true

	zap.L().Info("vault initialized", zap.String("path", v.path))
	v.notify("vault_init", true)
	return nil
}

// Unlock decrypts the vault into memory. Three consecutive failures start
// a 60 second cooldown during which further attempts return ErrLockedOut.
func (v *Vault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if remaining := time.Until(v.lockoutUntil); remaining > 0 {
		v.notify("vault_unlock", false)
		return eris.Wrapf(ErrLockedOut, "retry in %d seconds", int(remaining.Seconds())+1)
	}

	blob, err := os.ReadFile(v.path)
	if err != nil {
		return eris.Wrapf(err, "vault: read %s", v.path)
	}

	plaintext, err := open(blob, password)
	if err != nil {
		if errors.Is(err, ErrBadPassword) {
			v.failedAttempts++
			if v.failedAttempts >= maxUnlockAttempts {
				v.lockoutUntil = time.Now().Add(lockoutCooldown)
				v.failedAttempts = 0
				zap.L().Warn("vault locked out after repeated failures",
					zap.Duration("cooldown", lockoutCooldown))
			}
			v.notify("vault_unlock", false)
		}
		return err
	}

	var data contents
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return eris.Wrap(err, "vault: parse decrypted payload")
	}
	if data.Offices == nil {
		data.Offices = map[string]entry{}
	}

	v.data = data
	v.password = password
	v.unlocked = true
	v.failedAttempts = 0
	v.lockoutUntil = time.Time{}

	v.notify("vault_unlock", true)
	return nil
}

// Lock drops the decrypted contents and password from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.unlocked = false
	v.password = ""
	v.data = contents{}
	v.notify("vault_lock", true)
}

// Unlocked reports whether credentials are currently readable.
func (v *Vault) Unlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unlocked
}

// Credential returns the developer key paired with officeID's customer
// key. This is the read path the query dispatcher calls per attempt.
func (v *Vault) Credential(officeID model.OfficeID) (model.Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.unlocked {
		return model.Credential{}, ErrLocked
	}
	e, ok := v.data.Offices[string(officeID)]
	if !ok {
		v.notify("credential_access", false)
		return model.Credential{}, eris.Wrapf(ErrNotFound, "office %s", officeID)
	}
	v.notify("credential_access", true)
	return model.Credential{
		DeveloperKey: v.data.DeveloperKey,
		CustomerKey:  e.CustomerKey,
	}, nil
}

// AddOffice stores or replaces the customer key for an office and
// persists the vault.
func (v *Vault) AddOffice(officeID, customerKey string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.unlocked {
		return ErrLocked
	}
	if !officeIDPattern.MatchString(officeID) {
		return eris.Errorf("vault: invalid office ID %q, use letters, digits, hyphen, underscore", officeID)
	}
	if customerKey == "" {
		return eris.New("vault: customer key must not be empty")
	}

	v.data.Offices[officeID] = entry{CustomerKey: customerKey, AddedAt: time.Now().UTC()}
	if err := v.save(); err != nil {
		delete(v.data.Offices, officeID)
		return err
	}
	v.notify("vault_add_office", true)
	return nil
}

// RemoveOffice deletes an office's credential and persists the vault.
func (v *Vault) RemoveOffice(officeID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.unlocked {
		return ErrLocked
	}
	old, ok := v.data.Offices[officeID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "office %s", officeID)
	}

	delete(v.data.Offices, officeID)
	if err := v.save(); err != nil {
		v.data.Offices[officeID] = old
		return err
	}
	v.notify("vault_remove_office", true)
	return nil
}

// ListOffices returns the stored office IDs in sorted order.
func (v *Vault) ListOffices() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.unlocked {
		return nil, ErrLocked
	}
	ids := make([]string, 0, len(v.data.Offices))
	for id := range v.data.Offices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SetDeveloperKey replaces the shared developer key and persists the
// vault.
func (v *Vault) SetDeveloperKey(developerKey string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.unlocked {
		return ErrLocked
	}
	if developerKey == "" {
		return eris.New("vault: developer key must not be empty")
	}

	old := v.data.DeveloperKey
	v.data.DeveloperKey = developerKey
	if err := v.save(); err != nil {
		v.data.DeveloperKey = old
		return err
	}
	return nil
}

// ChangePassword re-encrypts the vault under a new master password. The
// current password is verified first.
func (v *Vault) ChangePassword(current, next string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.unlocked {
		return ErrLocked
	}
	if current != v.password {
		v.notify("vault_change_password", false)
		return ErrBadPassword
	}
	if err := checkPasswordStrength(next); err != nil {
		return err
	}

	old := v.password
	v.password = next
	if err := v.save(); err != nil {
		v.password = old
		return err
	}
	v.notify("vault_change_password", true)
	return nil
}

// save encrypts the in-memory contents and writes them atomically with
// owner-only permissions. Callers hold v.mu.
func (v *Vault) save() error {
	plaintext, err := json.Marshal(v.data)
	if err != nil {
		return eris.Wrap(err, "vault: marshal contents")
	}
	blob, err := seal(plaintext, v.password)
	if err != nil {
		return err
	}

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return eris.Wrapf(err, "vault: create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return eris.Wrap(err, "vault: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "vault: chmod temp file")
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "vault: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "vault: close temp file")
	}
	if err := os.Rename(tmpName, v.path); err != nil {
		return eris.Wrapf(err, "vault: replace %s", v.path)
	}
	return nil
}

func (v *Vault) notify(event string, success bool) {
	if v.OnEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("vault event callback panicked", zap.Any("panic", r))
		}
	}()
	v.OnEvent(event, success)
}

func checkPasswordStrength(password string) error {
	if len(password) < minPasswordLen {
		return eris.Errorf("vault: master password must be at least %d characters", minPasswordLen)
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return eris.New("vault: master password needs upper, lower, and digit characters")
	}
	return nil
}
