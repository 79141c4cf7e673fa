package app

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinyflake/git-server/internal/auth"
)

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the users file",
	}

	hash := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for the users file",
		Long: `Read a password from standard input and print the bcrypt hash to put in
the "password" field of a users file entry.`,
		Args: cobra.NoArgs,
		RunE: runHashPassword,
	}

	cmd.AddCommand(hash)
	return cmd
}

func runHashPassword(cmd *cobra.Command, _ []string) error {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("password cannot be empty")
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), hashed)
	return err
}
