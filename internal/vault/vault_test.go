package vault

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
)

const testPassword = "Correct-Horse-9"

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v := New(filepath.Join(t.TempDir(), "vault.enc"))
	require.NoError(t, v.Init(testPassword, "dev-key-123"))
	return v
}

func TestInit_CreatesFileWithOwnerOnlyPerms(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	assert.True(t, v.Exists())
	assert.True(t, v.Unlocked())

	info, err := os.Stat(v.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestInit_RefusesOverwrite(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	err := v.Init(testPassword, "other-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestInit_PasswordStrength(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name     string
		password string
	}{
		{"too short", "Ab1"},
		{"no upper", "abcdefgh1234"},
		{"no lower", "ABCDEFGH1234"},
		{"no digit", "Abcdefghijkl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(filepath.Join(dir, tt.name+".enc"))
			require.Error(t, v.Init(tt.password, "dev"))
			assert.False(t, v.Exists())
		})
	}
}

func TestUnlock_RoundTrip(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	require.NoError(t, v.AddOffice("office-1", "cust-abc"))
	v.Lock()
	assert.False(t, v.Unlocked())

	_, err := v.Credential("office-1")
	assert.ErrorIs(t, err, ErrLocked)

	// A fresh instance reading the same file sees the same contents.
	v2 := New(v.path)
	require.NoError(t, v2.Unlock(testPassword))

	cred, err := v2.Credential("office-1")
	require.NoError(t, err)
	assert.Equal(t, model.Credential{DeveloperKey: "dev-key-123", CustomerKey: "cust-abc"}, cred)
}

func TestUnlock_WrongPassword(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	v.Lock()

	err := v.Unlock("Wrong-Password-1")
	assert.ErrorIs(t, err, ErrBadPassword)
	assert.False(t, v.Unlocked())
}

func TestUnlock_LockoutAfterThreeFailures(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	v.Lock()

	for range 3 {
		require.ErrorIs(t, v.Unlock("Wrong-Password-1"), ErrBadPassword)
	}

	// Even the right password is refused during the cooldown.
	err := v.Unlock(testPassword)
	require.ErrorIs(t, err, ErrLockedOut)
	assert.Contains(t, err.Error(), "retry in")

	// After the cooldown expires the correct password works again.
	v.lockoutUntil = time.Now().Add(-time.Second)
	require.NoError(t, v.Unlock(testPassword))
}

func TestUnlock_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	v.Lock()

	require.Error(t, v.Unlock("Wrong-Password-1"))
	require.Error(t, v.Unlock("Wrong-Password-1"))
	require.NoError(t, v.Unlock(testPassword))
	v.Lock()

	// The counter restarted, so two more failures do not trigger lockout.
	require.ErrorIs(t, v.Unlock("Wrong-Password-1"), ErrBadPassword)
	require.ErrorIs(t, v.Unlock("Wrong-Password-1"), ErrBadPassword)
	require.NoError(t, v.Unlock(testPassword))
}

func TestCredential_UnknownOffice(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	_, err := v.Credential("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddOffice_Validation(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	assert.Error(t, v.AddOffice("bad id!", "key"))
	assert.Error(t, v.AddOffice("office-1", ""))
	assert.NoError(t, v.AddOffice("Office_2-b", "key"))
}

func TestRemoveOffice(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	require.NoError(t, v.AddOffice("a", "k1"))
	require.NoError(t, v.AddOffice("b", "k2"))

	require.NoError(t, v.RemoveOffice("a"))
	_, err := v.Credential("a")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, v.RemoveOffice("a"), ErrNotFound)

	ids, err := v.ListOffices()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestListOffices_Sorted(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	require.NoError(t, v.AddOffice("zeta", "k"))
	require.NoError(t, v.AddOffice("alpha", "k"))
	require.NoError(t, v.AddOffice("mid", "k"))

	ids, err := v.ListOffices()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func TestChangePassword(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	require.NoError(t, v.AddOffice("o", "k"))

	assert.ErrorIs(t, v.ChangePassword("Not-Current-1", "Next-Password-2"), ErrBadPassword)
	assert.Error(t, v.ChangePassword(testPassword, "weak"))

	require.NoError(t, v.ChangePassword(testPassword, "Next-Password-2"))

	v2 := New(v.path)
	assert.ErrorIs(t, v2.Unlock(testPassword), ErrBadPassword)
	require.NoError(t, v2.Unlock("Next-Password-2"))

	cred, err := v2.Credential("o")
	require.NoError(t, err)
	assert.Equal(t, "k", cred.CustomerKey)
}

func TestSetDeveloperKey(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	require.NoError(t, v.AddOffice("o", "k"))
	require.NoError(t, v.SetDeveloperKey("dev-key-next"))

	cred, err := v.Credential("o")
	require.NoError(t, err)
	assert.Equal(t, "dev-key-next", cred.DeveloperKey)
}

func TestOnEvent_Notifications(t *testing.T) {
	t.Parallel()

	var events []string
	v := New(filepath.Join(t.TempDir(), "vault.enc"))
	v.OnEvent = func(event string, success bool) {
		if success {
			events = append(events, event)
		} else {
			events = append(events, event+":fail")
		}
	}

	require.NoError(t, v.Init(testPassword, "dev"))
	v.Lock()
	require.Error(t, v.Unlock("Wrong-Password-1"))
	require.NoError(t, v.Unlock(testPassword))

	assert.Equal(t, []string{"vault_init", "vault_lock", "vault_unlock:fail", "vault_unlock"}, events)
}

func TestOnEvent_PanicDoesNotBreakVault(t *testing.T) {
	t.Parallel()

	v := New(filepath.Join(t.TempDir(), "vault.enc"))
	v.OnEvent = func(string, bool) { panic("audit sink broke") }
	require.NoError(t, v.Init(testPassword, "dev"))
	assert.True(t, v.Unlocked())
}

func TestOpen_CorruptFile(t *testing.T) {
	t.Parallel()

	v := New(filepath.Join(t.TempDir(), "vault.enc"))
	require.NoError(t, os.WriteFile(v.path, []byte("not an envelope"), 0o600))

	err := v.Unlock(testPassword)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}
