package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/Kyu324/New-bot/guildkeeper"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set API admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable GK_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable GK_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := guildkeeper.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		}()

		var runtimeConfig guildkeeper.RuntimeConfig
		rv := db.Last(&runtimeConfig)
		if rv.Error != nil {
			if errors.Is(rv.Error, gorm.ErrRecordNotFound) {
				runtimeConfig = guildkeeper.DefaultRuntimeConfig()
				if err = db.Create(&runtimeConfig).Error; err != nil {
					log.Fatalf("Error creating runtime config: %v", err)
				}
			} else {
				log.Fatalf("Error retrieving runtime config: %s", rv.Error.Error())
			}
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
			fmt.Fprintln(
				out,
				"Initialization complete. You can now start the bot with the 'run' subcommand.",
			)
			return
		}

		fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
		reader := bufio.NewReader(os.Stdin)

		fmt.Fprint(out, "Enter admin username: ")
		username, _ := reader.ReadString('\n')
		username = strings.TrimSpace(username)

		if customPasswordReader == nil {
			customPasswordReader = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		var password string
		for {
			fmt.Fprint(out, "Enter admin password: ")
			passwordBytes, _ := customPasswordReader()
			password = string(passwordBytes)
			fmt.Fprintln(out)

			fmt.Fprint(out, "Confirm admin password: ")
			confirmPasswordBytes, _ := customPasswordReader()
			fmt.Fprintln(out)

			if password == string(confirmPasswordBytes) {
				break
			}
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		}

		if err = guildkeeper.SetAdminCredentials(ctx, db, username, password); err != nil {
			log.Fatalf("Error updating admin credentials: %v", err)
		}
		fmt.Fprintln(out, "Admin credentials set successfully.")
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits // cobra registration
func init() {
	rootCmd.AddCommand(initCmd)
}
