package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ppiankov/digestpipe/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config directory with an example config",
	RunE:  initAction,
}

func initAction(_ *cobra.Command, _ []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	configPath := filepath.Join(configDir, config.DefaultConfigFile)
	wrote, err := writeIfNotExists(configPath, []byte(exampleConfig))
	if err != nil {
		return err
	}

	if !wrote {
		fmt.Printf("Config directory %s already initialized.\n", configDir)
	} else {
		fmt.Printf("Initialized %s. Set ZULIP_EMAIL and ZULIP_API_KEY, then run 'digestpipe doctor'.\n", configDir)
	}
	return nil
}

// writeIfNotExists writes data to path if the file does not exist.
// Returns true if the file was created.
func writeIfNotExists(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("  exists: %s\n", path)
		return false, nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("  created: %s\n", path)
	return true, nil
}

const exampleConfig = `# digestpipe configuration

zulip:
  # site defaults to the domain of the bot email
  site: chat.example.org
  email_env: ZULIP_EMAIL
  api_key_env: ZULIP_API_KEY
  send_every: 1s

tracker:
  schedule: "0 7 * * *"
  max_posts: 12
  # instagram account: [stream, topic]
  accounts: {}
  #   some_account: [photos, instagram]
  # feed url: [stream, topic]
  feeds: {}
  #   "https://blog.example.org/feed.xml": [news, blog]

digest:
  schedule: "0 8 * * 1"
  window: 168h
  timezone: UTC
  # empty means every public stream
  streams: []
  # empty means every active human member of the realm
  recipients: []
  # from: "Weekly Digest <digest@example.org>"

mail:
  # sendgrid, smtp or file; picked from the settings below when empty
  provider: ""
  sendgrid:
    api_key_env: SENDGRID_API_KEY
  smtp:
    host: ""
    port: 587
    username: ""
    password_env: SMTP_PASSWORD
  file:
    # empty writes the HTML to stdout
    path: ""

mute:
  authors: []
  keywords: []
  patterns: []

privacy:
  redact:
    enabled: false
    patterns: []

storage:
  path: .digestpipe/digestpipe.db
  retain_days: 90

http:
  timeout: 30s

metrics:
  # node_exporter textfile collector target; empty disables
  textfile: ""
`
