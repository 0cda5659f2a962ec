package cmd

import (
	"bytes"
	"fmt"
	"github.com/Kyu324/New-bot/guildkeeper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
)

func TestInitCommand(t *testing.T) {
	resetCommandState(t)
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	t.Setenv("GK_DATABASE_TYPE", "sqlite")
	t.Setenv("GK_DATABASE", dbPath)

	oldStdin := os.Stdin
	t.Cleanup(
		func() {
			os.Stdin = oldStdin
		},
	)

	passwords := []string{"hunter2", "hunter2"}
	passwordIndex := 0

	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)
	customPasswordReader = func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}

	r, w, _ := os.Pipe()
	os.Stdin = r
	go func() {
		_, _ = w.Write([]byte("modadmin\n"))
		_ = w.Close()
	}()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Enter admin password:")
	assert.Contains(t, output, "Confirm admin password:")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var config guildkeeper.RuntimeConfig
	require.NoError(t, db.Last(&config).Error)

	assert.Equal(t, "modadmin", config.AdminUsername)
	assert.NotEmpty(t, config.AdminPassword)
	assert.NotEqual(t, "hunter2", config.AdminPassword)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&guildkeeper.Server{}))
	assert.True(t, mg.HasTable(&guildkeeper.CommandInvocation{}))
	assert.True(t, mg.HasTable(&guildkeeper.Warning{}))
	assert.True(t, mg.HasTable(&guildkeeper.LedgerEntry{}))
	assert.True(t, mg.HasTable(&guildkeeper.RuntimeConfig{}))

	valid, err := guildkeeper.VerifyPassword(config.AdminPassword, "hunter2")
	assert.NoError(t, err)
	assert.True(t, valid)

	valid, err = guildkeeper.VerifyPassword(config.AdminPassword, "hunter3")
	assert.NoError(t, err)
	assert.False(t, valid)
}
