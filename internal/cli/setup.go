package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yardcore/yardcore/internal/broker"
	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
)

var (
	initForce   bool
	keygenForce bool
	keygenBits  int
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🚜 yardcore Init")
		path, err := initConfig(initForce)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Config written to %s\n", path)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🗄️ yardcore Migrate")
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
		if err := migrate(cfg.Database); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Database ready at %s\n", cfg.Database.Path)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the core signing key pair",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🔑 yardcore Keygen")
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
		if err := writeKeyPair(cfg.Crypto, keygenBits, keygenForce); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Private key: %s\n", cfg.Crypto.PrivateKeyPath)
		fmt.Printf("Public key:  %s\n", cfg.Crypto.PublicKeyPath)
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Replace existing keys")
	keygenCmd.Flags().IntVar(&keygenBits, "bits", 2048, "RSA key size")
}

// initConfig saves the default config unless one exists.
func initConfig(force bool) (string, error) {
	path, err := config.ConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	if err := config.Save(config.DefaultConfig()); err != nil {
		return "", fmt.Errorf("save config: %w", err)
	}
	return path, nil
}

// migrate opens the database, which applies the schema, and closes it.
func migrate(cfg config.DatabaseConfig) error {
	db, err := database.Open(cfg, nil)
	if err != nil {
		return err
	}
	return db.Close()
}

func writeKeyPair(cfg config.CryptoConfig, bits int, force bool) error {
	if cfg.PrivateKeyPath == "" || cfg.PublicKeyPath == "" {
		return errors.New("crypto key paths are not configured")
	}
	if _, err := os.Stat(cfg.PrivateKeyPath); err == nil && !force {
		return fmt.Errorf("key already exists at %s (use --force to replace)", cfg.PrivateKeyPath)
	}
	priv, pub, err := broker.GenerateKeyPair(bits)
	if err != nil {
		return err
	}
	for _, k := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{cfg.PrivateKeyPath, priv, 0o600},
		{cfg.PublicKeyPath, pub, 0o644},
	} {
		if err := config.EnsureDir(filepath.Dir(k.path)); err != nil {
			return err
		}
		if err := os.WriteFile(k.path, k.data, k.mode); err != nil {
			return fmt.Errorf("write %s: %w", k.path, err)
		}
	}
	return nil
}
