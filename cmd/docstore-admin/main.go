// Package main is the entry point for the docstore admin CLI. It
// operates directly on the catalog file; a running server picks the
// changes up through the catalog watcher.
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/axonops/axonops-docstore/internal/catalog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "docstore-admin",
		Short: "Admin CLI for the docstore server",
		Long:  `A command-line tool for managing databases, users, and access grants in a docstore catalog file.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.json", "Path to the catalog file")

	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	userCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all users",
			RunE:  listUsers,
		},
		&cobra.Command{
			Use:   "add <user> <password>",
			Short: "Add a user",
			Args:  cobra.ExactArgs(2),
			RunE:  addUser,
		},
		&cobra.Command{
			Use:   "delete <user>",
			Short: "Delete a user",
			Args:  cobra.ExactArgs(1),
			RunE:  deleteUser,
		},
		&cobra.Command{
			Use:   "grant <user> <database>",
			Short: "Grant a user access to a database",
			Args:  cobra.ExactArgs(2),
			RunE:  grantAccess,
		},
		&cobra.Command{
			Use:   "token <user> <password>",
			Short: "Print the stored password token for a credential pair",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				token, err := catalog.PasswordToken(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			},
		},
	)

	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Manage databases",
	}
	dbCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered databases",
			RunE:  listDatabases,
		},
		&cobra.Command{
			Use:   "add <name> <user>",
			Short: "Register a database and grant the user access",
			Args:  cobra.ExactArgs(2),
			RunE:  addDatabase,
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a database, its file, and all access grants",
			Args:  cobra.ExactArgs(1),
			RunE:  deleteDatabase,
		},
	)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("docstore-admin %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}

	rootCmd.AddCommand(userCmd, dbCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openCatalog() (*catalog.Catalog, error) {
	return catalog.Load(configPath)
}

func listUsers(cmd *cobra.Command, args []string) error {
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tACCESS")
	for _, u := range cat.Users() {
		fmt.Fprintf(w, "%s\t%s\n", u.User, strings.Join(u.Access, ","))
	}
	return w.Flush()
}

func addUser(cmd *cobra.Command, args []string) error {
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	if err := cat.AddUser(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("user %s added\n", args[0])
	return nil
}

func deleteUser(cmd *cobra.Command, args []string) error {
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	if err := cat.DeleteUser(args[0]); err != nil {
		return err
	}
	fmt.Printf("user %s deleted\n", args[0])
	return nil
}

func grantAccess(cmd *cobra.Command, args []string) error {
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	if err := cat.GrantAccess(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("user %s granted access to %s\n", args[0], args[1])
	return nil
}

func listDatabases(cmd *cobra.Command, args []string) error {
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFILE")
	for _, db := range cat.Databases() {
		fmt.Fprintf(w, "%s\t%s\n", db.Name, cat.DatabasePath(db.Filename))
	}
	return w.Flush()
}

func addDatabase(cmd *cobra.Command, args []string) error {
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	if err := catalog.ValidateName(args[0]); err != nil {
		return err
	}
	if err := cat.AddDatabase(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("database %s registered\n", args[0])
	return nil
}

func deleteDatabase(cmd *cobra.Command, args []string) error {
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	if err := cat.DeleteDatabase(args[0]); err != nil {
		return err
	}
	fmt.Printf("database %s deleted\n", args[0])
	return nil
}
