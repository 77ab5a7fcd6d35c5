package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	CommandServe  = "serve"
	CommandImport = "import"
	CommandSweep  = "sweep"

	defaultWebPort = 3000
)

// Config captures every option of the relay. Fields that only apply to one
// command keep their defaults elsewhere.
type Config struct {
	Command string

	AllowedDomains  []string
	BlockedKeywords []string
	MaxMessageSize  int64
	MaxEmailAge     time.Duration
	MaxStorageSize  int64
	MinFreeSpace    int64
	StorageDir      string
	SweepInterval   time.Duration

	BaseURL           string
	DiscordWebhookURL string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	IMAPFolder         string
	UseTLS             bool
	InsecureSkipVerify bool

	LogLevel string
	LogDir   string

	SMTPHost    string
	SMTPPort    int
	SMTPDomain  string
	WebPort     int
	TLSKeyPath  string
	TLSCertPath string

	MboxPath string
	StateDir string
	DryRun   bool
}

// IMAPEnabled reports whether the IMAP notifier is configured.
func (c Config) IMAPEnabled() bool {
	return c.IMAPHost != ""
}

// LoadDotEnv loads .env.local and then .env from the working directory.
// Variables already present in the environment are never overwritten, so
// .env.local wins over .env. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// RegisterPersistentFlags attaches the options shared by every command.
func RegisterPersistentFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringSlice("allowed-domains", []string{"steampowered.com", "gmail.com"}, "Sender domains that are relayed (env ALLOWED_DOMAINS)")
	flags.StringSlice("blocked-keywords", []string{"spam", "unwanted"}, "Subject keywords that block a message (env BLOCKED_KEYWORDS)")
	flags.Int64("max-message-size", 10<<20, "Maximum message size in bytes (env MAX_MESSAGE_SIZE)")
	flags.Duration("max-email-age", 7*24*time.Hour, "Retention window for stored messages (env MAX_EMAIL_AGE)")
	flags.Int64("max-storage-size", 5<<30, "Byte budget for the storage directory (env MAX_STORAGE_SIZE)")
	flags.Int64("min-free-space", 500<<20, "Free bytes that must remain on the volume (env MIN_FREE_SPACE)")
	flags.String("storage-dir", "./email-storage", "Directory holding stored messages (env STORAGE_DIR)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error (env LOG_LEVEL)")
	flags.String("log-dir", "", "Directory for log files in addition to stdout (env LOG_DIR)")
}

// RegisterNotifyFlags attaches the pipeline and notifier options used by
// commands that relay messages.
func RegisterNotifyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("base-url", "", "Public base URL for view links (env BASE_URL, default http://localhost:<web-port>)")
	flags.String("discord-webhook-url", "", "Discord webhook receiving notifications (env DISCORD_WEBHOOK_URL)")
	flags.String("imap-host", "", "IMAP server for summary notifications (env IMAP_HOST)")
	flags.Int("imap-port", 993, "IMAP server port (env IMAP_PORT)")
	flags.String("imap-user", "", "IMAP username (env IMAP_USER)")
	flags.String("imap-pass", "", "IMAP password (env IMAP_PASS)")
	flags.String("imap-folder", "INBOX", "IMAP folder receiving summaries (env IMAP_FOLDER)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection (env IMAP_USE_TLS)")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
}

// RegisterServeFlags attaches the listener options of the serve command.
func RegisterServeFlags(cmd *cobra.Command) {
	RegisterNotifyFlags(cmd)
	flags := cmd.Flags()
	flags.String("smtp-host", "0.0.0.0", "SMTP listen host (env SMTP_HOST)")
	flags.Int("smtp-port", 2525, "SMTP listen port (env SMTP_PORT)")
	flags.String("smtp-domain", "localhost", "Domain announced in the SMTP greeting (env SMTP_DOMAIN)")
	flags.Int("web-port", defaultWebPort, "HTTP port of the retrieval gateway (env WEB_PORT)")
	flags.String("tls-key-path", "", "STARTTLS private key (env TLS_KEY_PATH)")
	flags.String("tls-cert-path", "", "STARTTLS certificate (env TLS_CERT_PATH)")
	flags.Duration("sweep-interval", 0, "Run a cleanup sweep on this interval, 0 sweeps only before stores (env SWEEP_INTERVAL)")
}

// RegisterImportFlags attaches the options of the import command.
func RegisterImportFlags(cmd *cobra.Command) error {
	RegisterNotifyFlags(cmd)

	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("mbox", "", "Path to the .mbox file to replay")
	flags.String("state-dir", defaultStateDir, "Directory for replay state files")
	flags.Bool("dry-run", false, "Classify messages without storing or notifying")

	return cmd.MarkFlagRequired("mbox")
}

// LoadConfig resolves every option as flag, then environment, then default.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	r := resolver{flags: cmd.Flags()}

	cfg := Config{
		Command:         cmd.Name(),
		AllowedDomains:  r.getList("allowed-domains", "ALLOWED_DOMAINS"),
		BlockedKeywords: r.getList("blocked-keywords", "BLOCKED_KEYWORDS"),
		MaxMessageSize:  r.getInt64("max-message-size", "MAX_MESSAGE_SIZE"),
		MaxEmailAge:     r.getDuration("max-email-age", "MAX_EMAIL_AGE"),
		MaxStorageSize:  r.getInt64("max-storage-size", "MAX_STORAGE_SIZE"),
		MinFreeSpace:    r.getInt64("min-free-space", "MIN_FREE_SPACE"),
		StorageDir:      r.getString("storage-dir", "STORAGE_DIR"),
		SweepInterval:   r.getDuration("sweep-interval", "SWEEP_INTERVAL"),

		BaseURL:           r.getString("base-url", "BASE_URL"),
		DiscordWebhookURL: r.getString("discord-webhook-url", "DISCORD_WEBHOOK_URL"),

		IMAPHost:           r.getString("imap-host", "IMAP_HOST"),
		IMAPPort:           r.getInt("imap-port", "IMAP_PORT"),
		IMAPUser:           r.getString("imap-user", "IMAP_USER"),
		IMAPPass:           r.getString("imap-pass", "IMAP_PASS"),
		IMAPFolder:         r.getString("imap-folder", "IMAP_FOLDER"),
		UseTLS:             r.getBool("use-tls", "IMAP_USE_TLS"),
		InsecureSkipVerify: r.getBool("insecure-skip-verify", ""),

		LogLevel: r.getString("log-level", "LOG_LEVEL"),
		LogDir:   r.getString("log-dir", "LOG_DIR"),

		SMTPHost:    r.getString("smtp-host", "SMTP_HOST"),
		SMTPPort:    r.getInt("smtp-port", "SMTP_PORT"),
		SMTPDomain:  r.getString("smtp-domain", "SMTP_DOMAIN"),
		WebPort:     r.getInt("web-port", "WEB_PORT"),
		TLSKeyPath:  r.getString("tls-key-path", "TLS_KEY_PATH"),
		TLSCertPath: r.getString("tls-cert-path", "TLS_CERT_PATH"),

		MboxPath: r.getString("mbox", ""),
		StateDir: r.getString("state-dir", ""),
		DryRun:   r.getBool("dry-run", ""),
	}
	if r.err != nil {
		return Config{}, r.err
	}

	if cfg.WebPort == 0 {
		cfg.WebPort = defaultWebPort
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.WebPort)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.StorageDir != "" {
		cfg.StorageDir = filepath.Clean(cfg.StorageDir)
	}
	if cfg.Command == CommandImport {
		if cfg.StateDir == "" {
			stateDir, err := defaultStateDir()
			if err != nil {
				return Config{}, err
			}
			cfg.StateDir = stateDir
		}
		cfg.StateDir = filepath.Clean(cfg.StateDir)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if len(cfg.AllowedDomains) == 0 {
		return fmt.Errorf("--allowed-domains must name at least one domain")
	}
	if cfg.MaxMessageSize <= 0 {
		return fmt.Errorf("--max-message-size must be positive")
	}
	if cfg.MaxEmailAge < 0 {
		return fmt.Errorf("--max-email-age must not be negative")
	}
	if cfg.MaxStorageSize <= 0 {
		return fmt.Errorf("--max-storage-size must be positive")
	}
	if cfg.MinFreeSpace < 0 {
		return fmt.Errorf("--min-free-space must not be negative")
	}
	if cfg.StorageDir == "" {
		return fmt.Errorf("--storage-dir is required")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	if cfg.IMAPEnabled() {
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required when --imap-host is set")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if !validPort(cfg.IMAPPort) {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	switch cfg.Command {
	case CommandServe:
		if !validPort(cfg.SMTPPort) {
			return fmt.Errorf("--smtp-port must be between 1 and 65535")
		}
		if !validPort(cfg.WebPort) {
			return fmt.Errorf("--web-port must be between 1 and 65535")
		}
		if cfg.SweepInterval < 0 {
			return fmt.Errorf("--sweep-interval must not be negative")
		}
		if (cfg.TLSKeyPath == "") != (cfg.TLSCertPath == "") {
			return fmt.Errorf("--tls-key-path and --tls-cert-path must be set together")
		}
	case CommandImport:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required")
		}
	}

	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-relay", "state"), nil
}

// resolver reads a flag when it was set explicitly, otherwise the named
// environment variable, otherwise the flag default. Flags that are not
// registered on the command resolve to their zero value. The first parse
// error is kept.
type resolver struct {
	flags *pflag.FlagSet
	err   error
}

func (r *resolver) lookup(name, env string) (*pflag.Flag, string, bool) {
	flag := r.flags.Lookup(name)
	if flag == nil {
		return nil, "", false
	}
	if flag.Changed || env == "" {
		return flag, "", false
	}
	value, ok := os.LookupEnv(env)
	if !ok || strings.TrimSpace(value) == "" {
		return flag, "", false
	}
	return flag, strings.TrimSpace(value), true
}

func (r *resolver) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *resolver) getString(name, env string) string {
	flag, value, fromEnv := r.lookup(name, env)
	if flag == nil {
		return ""
	}
	if fromEnv {
		return value
	}
	v, err := r.flags.GetString(name)
	if err != nil {
		r.fail(err)
	}
	return strings.TrimSpace(v)
}

func (r *resolver) getList(name, env string) []string {
	flag, value, fromEnv := r.lookup(name, env)
	if flag == nil {
		return nil
	}
	var raw []string
	if fromEnv {
		raw = strings.Split(value, ",")
	} else {
		v, err := r.flags.GetStringSlice(name)
		if err != nil {
			r.fail(err)
		}
		raw = v
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *resolver) getInt(name, env string) int {
	flag, value, fromEnv := r.lookup(name, env)
	if flag == nil {
		return 0
	}
	if fromEnv {
		n, err := strconv.Atoi(value)
		if err != nil {
			r.fail(fmt.Errorf("invalid %s: %w", env, err))
		}
		return n
	}
	v, err := r.flags.GetInt(name)
	if err != nil {
		r.fail(err)
	}
	return v
}

func (r *resolver) getInt64(name, env string) int64 {
	flag, value, fromEnv := r.lookup(name, env)
	if flag == nil {
		return 0
	}
	if fromEnv {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			r.fail(fmt.Errorf("invalid %s: %w", env, err))
		}
		return n
	}
	v, err := r.flags.GetInt64(name)
	if err != nil {
		r.fail(err)
	}
	return v
}

func (r *resolver) getDuration(name, env string) time.Duration {
	flag, value, fromEnv := r.lookup(name, env)
	if flag == nil {
		return 0
	}
	if fromEnv {
		d, err := time.ParseDuration(value)
		if err != nil {
			r.fail(fmt.Errorf("invalid %s: %w", env, err))
		}
		return d
	}
	v, err := r.flags.GetDuration(name)
	if err != nil {
		r.fail(err)
	}
	return v
}

func (r *resolver) getBool(name, env string) bool {
	flag, value, fromEnv := r.lookup(name, env)
	if flag == nil {
		return false
	}
	if fromEnv {
		b, err := strconv.ParseBool(value)
		if err != nil {
			r.fail(fmt.Errorf("invalid %s: %w", env, err))
		}
		return b
	}
	v, err := r.flags.GetBool(name)
	if err != nil {
		r.fail(err)
	}
	return v
}
