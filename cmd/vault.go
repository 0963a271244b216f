package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/vault"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage the encrypted credential vault",
}

var vaultInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new vault with the shared developer key",
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLog := openAudit()
		v := vault.New(cfg.Vault.Path)
		if auditLog != nil {
			v.OnEvent = auditLog.VaultEvent
		}
		if v.Exists() {
			return eris.Errorf("vault already exists at %s", cfg.Vault.Path)
		}

		password, err := promptSecret("New master password")
		if err != nil {
			return err
		}
		confirm, err := promptSecret("Confirm master password")
		if err != nil {
			return err
		}
		if password != confirm {
			return eris.New("passwords do not match")
		}

		devKey, err := promptSecret("Developer key")
		if err != nil {
			return err
		}

		if err := v.Init(password, devKey); err != nil {
			return err
		}
		fmt.Printf("vault created at %s\n", cfg.Vault.Path)
		return nil
	},
}

var vaultAddOfficeCmd = &cobra.Command{
	Use:   "add-office <office-id>",
	Short: "Store the customer key for an office",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLog := openAudit()
		v, err := openVault(auditLog)
		if err != nil {
			return err
		}
		defer v.Lock()

		customerKey, err := promptSecret("Customer key")
		if err != nil {
			return err
		}
		if err := v.AddOffice(args[0], customerKey); err != nil {
			return err
		}
		fmt.Printf("office %s added\n", args[0])
		return nil
	},
}

var vaultRemoveOfficeCmd = &cobra.Command{
	Use:   "remove-office <office-id>",
	Short: "Delete an office's credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLog := openAudit()
		v, err := openVault(auditLog)
		if err != nil {
			return err
		}
		defer v.Lock()

		if err := v.RemoveOffice(args[0]); err != nil {
			return err
		}
		fmt.Printf("office %s removed\n", args[0])
		return nil
	},
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List office IDs stored in the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLog := openAudit()
		v, err := openVault(auditLog)
		if err != nil {
			return err
		}
		defer v.Lock()

		ids, err := v.ListOffices()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(os.Stderr, "vault has no offices")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var vaultChangePasswordCmd = &cobra.Command{
	Use:   "change-password",
	Short: "Re-encrypt the vault under a new master password",
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLog := openAudit()
		v := vault.New(cfg.Vault.Path)
		if auditLog != nil {
			v.OnEvent = auditLog.VaultEvent
		}
		if !v.Exists() {
			return eris.New("no vault found, run 'opendental-query vault init' first")
		}

		current, err := promptSecret("Current master password")
		if err != nil {
			return err
		}
		if err := v.Unlock(current); err != nil {
			return err
		}
		defer v.Lock()

		next, err := promptSecret("New master password")
		if err != nil {
			return err
		}
		confirm, err := promptSecret("Confirm new master password")
		if err != nil {
			return err
		}
		if next != confirm {
			return eris.New("passwords do not match")
		}

		if err := v.ChangePassword(current, next); err != nil {
			return err
		}
		fmt.Println("master password changed")
		return nil
	},
}

var vaultSetDevKeyCmd = &cobra.Command{
	Use:   "set-dev-key",
	Short: "Replace the shared developer key",
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLog := openAudit()
		v, err := openVault(auditLog)
		if err != nil {
			return err
		}
		defer v.Lock()

		devKey, err := promptSecret("Developer key")
		if err != nil {
			return err
		}
		if err := v.SetDeveloperKey(devKey); err != nil {
			return err
		}
		fmt.Println("developer key updated")
		return nil
	},
}

func init() {
	vaultCmd.AddCommand(vaultInitCmd, vaultAddOfficeCmd, vaultRemoveOfficeCmd,
		vaultListCmd, vaultChangePasswordCmd, vaultSetDevKeyCmd)
	rootCmd.AddCommand(vaultCmd)
}
