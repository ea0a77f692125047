package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/aurora-admin/aurora/pkg/manager"
	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/types"
)

var initSuperuserCmd = &cobra.Command{
	Use:   "init-superuser",
	Short: "Create or update the superuser account",
	Long: `Create the superuser, or reset its password if the account exists.

The email comes from ADMIN_EMAIL and the password from ADMIN_PASSWORD;
when the password variable is unset it is prompted for. Run this once
against a fresh store before starting serve.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRuntime()
		if err != nil {
			return err
		}
		if cfg.AdminEmail == "" {
			return fmt.Errorf("ADMIN_EMAIL is required")
		}

		password := cfg.AdminPassword
		if password == "" {
			password, err = promptPassword()
			if err != nil {
				return err
			}
		}
		if password == "" {
			return fmt.Errorf("password must not be empty")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %v", err)
		}

		store, err := manager.OpenStore(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		user, err := store.GetUserByEmail(cfg.AdminEmail)
		switch {
		case storage.IsNotFound(err):
			user = &types.User{
				ID:             uuid.New().String(),
				Email:          cfg.AdminEmail,
				HashedPassword: string(hash),
				IsActive:       true,
				IsSuperUser:    true,
				CreatedAt:      time.Now(),
			}
			if err := store.CreateUser(user); err != nil {
				return fmt.Errorf("failed to create superuser: %v", err)
			}
			fmt.Printf("✓ Superuser created: %s\n", user.Email)
		case err != nil:
			return err
		default:
			user.HashedPassword = string(hash)
			user.IsActive = true
			user.IsSuperUser = true
			if err := store.UpdateUser(user); err != nil {
				return fmt.Errorf("failed to update superuser: %v", err)
			}
			fmt.Printf("✓ Superuser updated: %s\n", user.Email)
		}
		return nil
	},
}

// promptPassword reads the password off the terminal without echo,
// asking twice to catch typos.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; set ADMIN_PASSWORD instead")
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %v", err)
	}

	fmt.Fprint(os.Stderr, "Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %v", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}
