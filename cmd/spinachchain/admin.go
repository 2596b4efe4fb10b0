package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spinachchain/spinachchain/pkg/authz"
	"github.com/spinachchain/spinachchain/pkg/users"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative tasks",
}

var (
	newUserEmail    string
	newUserPassword string
	newUserRole     string
	newUserAddress  string
)

var createUserCmd = &cobra.Command{
	Use:   "create-user <username>",
	Short: "Create an account directly in the database",
	Long: `create-user registers an account without going through the API. It is
the way to create the first admin, since only admins may register admins.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, db := bootstrap(cmd)
		store := users.NewStore(db)
		if err := store.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate users: %w", err)
		}
		u, err := store.Register(cmd.Context(), users.RegisterInput{
			Username: args[0],
			Email:    newUserEmail,
			Password: newUserPassword,
			Role:     newUserRole,
			Address:  newUserAddress,
		})
		if err != nil {
			return err
		}
		logger.Info("user created", "username", u.Username, "role", u.Role, "address", u.Address)
		return nil
	},
}

func init() {
	f := createUserCmd.Flags()
	f.StringVar(&newUserEmail, "email", "", "Email address")
	f.StringVar(&newUserPassword, "password", "", "Password, at least 8 characters")
	f.StringVar(&newUserRole, "role", authz.RoleAdmin, "Role: farmer, distributor, retailer, inspector or admin")
	f.StringVar(&newUserAddress, "address", "", "Custody address (default: username)")
	_ = createUserCmd.MarkFlagRequired("email")
	_ = createUserCmd.MarkFlagRequired("password")

	adminCmd.AddCommand(createUserCmd)
}
