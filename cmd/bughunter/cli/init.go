package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bughunter/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the bughunter config and webhook secret",
	Long:  "Writes a starter config.toml (or the --config path) and stores the shared webhook secret in credentials.toml with 0600 permissions.",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

const configTemplate = `# bughunter configuration.
# Forum repositories are resolved against repo_root.
owners = []
default_base_branch = "main"

[[forums]]
id = "replace-with-forum-id"
repo_path = "app"

[agent]
command = "claude"
allowed_tools = ["Read", "Write", "Edit"]
max_turns = 20
idle_ttl = "10m"

[frontend]
listen_addr = "127.0.0.1:9848"
callback_url = ""
`

func runInit(cmd *cobra.Command, args []string) error {
	cfgFile := cfgPath
	if cfgFile == "" {
		global, err := config.GlobalConfigPath()
		if err != nil {
			return err
		}
		cfgFile = global
	}
	return runInitWith(os.Stdout, readHiddenSecret, cfgFile)
}

// readHiddenSecret prompts for the webhook secret without echoing it.
func readHiddenSecret() (string, error) {
	fmt.Print("Webhook secret (input is hidden, empty generates one): ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(b), nil
}

func runInitWith(out io.Writer, readSecret func() (string, error), cfgFile string) error {
	if err := os.MkdirAll(filepath.Dir(cfgFile), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.WriteFile(cfgFile, []byte(configTemplate), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Config created: %s\n", cfgFile)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgFile)
	}

	secret, err := readSecret()
	if err != nil {
		return err
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		if secret, err = generateSecret(); err != nil {
			return err
		}
		fmt.Fprintln(out, "Generated a webhook secret; give the same value to the frontend bridge.")
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		creds = &config.Credentials{}
	}
	creds.WebhookSecret = secret
	if err := config.SaveCredentials(creds); err != nil {
		return err
	}
	if credsFile, err := config.CredentialsPath(); err == nil {
		fmt.Fprintf(out, "Credentials saved: %s\n", credsFile)
	}

	// The starter config has no real forum yet, so skip validation.
	cfg, err := config.LoadMinimal(cfgFile)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Fprintf(out, "Database initialized: %s\n", cfg.DBPath)

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Map your forums and owners in %s\n", cfgFile)
	fmt.Fprintln(out, "  2. Set frontend.callback_url, then run: bughunter start")
	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
