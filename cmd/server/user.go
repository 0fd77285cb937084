package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
	"github.com/wlcxs123/prd-system-sub000/internal/services"
)

var (
	newUsername string
	newPassword string
	newRole     string
)

var createUserCmd = &cobra.Command{
	Use:   "create-user",
	Short: "Create the first admin account (only works while no users exist)",
	RunE:  runCreateUser,
}

func init() {
	createUserCmd.Flags().StringVarP(&newUsername, "username", "u", "admin", "login name")
	createUserCmd.Flags().StringVarP(&newPassword, "password", "p", "", "password (read from stdin when empty)")
	createUserCmd.Flags().StringVar(&newRole, "role", string(models.RoleAdmin), "admin or user")
}

func runCreateUser(cmd *cobra.Command, args []string) error {
	if newPassword == "" {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		newPassword = strings.TrimRight(line, "\r\n")
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	audit := services.NewAuditService(store, log)
	auth := services.NewAuthService(store, audit, nil, cfg.SessionTTL)
	actx := models.AuditContext{RequestID: "cli", UserAgent: "create-user", Path: "cli:create-user"}
	u, err := auth.CreateUser(cmd.Context(), actx, newUsername, newPassword, models.Role(newRole))
	if err != nil {
		if se, ok := services.AsServiceError(err); ok && len(se.Details) > 0 {
			return fmt.Errorf("%s: %s", se.Message, strings.Join(se.Details, "; "))
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s user %q (id %d)\n", u.Role, u.Username, u.ID)
	return nil
}
