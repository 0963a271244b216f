package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/audit"
	"github.com/zachweisman0105/OpenDentalQueryTool/internal/history"
	"github.com/zachweisman0105/OpenDentalQueryTool/internal/vault"
)

// promptSecret reads a line from the terminal without echo.
func promptSecret(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", eris.Wrap(err, "read secret")
	}
	return strings.TrimSpace(string(raw)), nil
}

// openAudit builds the session audit logger. A broken audit path degrades
// to logging only; it never blocks the command.
func openAudit() *audit.Logger {
	logger, err := audit.NewLogger(cfg.Audit.Path)
	if err != nil {
		zap.L().Warn("audit log unavailable", zap.Error(err))
		return nil
	}
	return logger
}

// openVault prompts for the master password and unlocks the vault,
// wiring vault events into the audit trail.
func openVault(auditLog *audit.Logger) (*vault.Vault, error) {
	v := vault.New(cfg.Vault.Path)
	if auditLog != nil {
		v.OnEvent = auditLog.VaultEvent
	}
	if !v.Exists() {
		return nil, eris.New("no vault found, run 'opendental-query vault init' first")
	}

	password, err := promptSecret("Master password")
	if err != nil {
		return nil, err
	}
	if err := v.Unlock(password); err != nil {
		return nil, err
	}
	return v, nil
}

// initHistory opens the configured run-history backend and applies
// migrations.
func initHistory(ctx context.Context) (history.Store, error) {
	var (
		st  history.Store
		err error
	)
	switch cfg.History.Driver {
	case "postgres":
		st, err = history.NewPostgres(ctx, cfg.History.DatabaseURL, nil)
	default:
		st, err = history.NewSQLite(cfg.History.Path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "open history store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate history store")
	}
	return st, nil
}

// sqlHash is the content hash recorded in the audit trail in place of the
// SQL text.
func sqlHash(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}
