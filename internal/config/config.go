package config

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/iaasstore/restmailer/internal/utils"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

const (
	minMaxBody     = 1024
	maxMaxBody     = 52428800
	defaultMaxBody = 20971520
)

type MailConfig struct {
	Domain                string `mapstructure:"domain"`
	ServerName            string `mapstructure:"server_name"`
	DefUsername           string `mapstructure:"def_username"`
	DefSmtpConnectTimeout int    `mapstructure:"def_smtp_connect_timeout"`
	DefMailSendTimeout    int    `mapstructure:"def_mail_send_timeout"`
	DefIgnoreStarttlsCert bool   `mapstructure:"def_ignore_starttls_cert"`
	Proxy                 string `mapstructure:"proxy"`
	PublicAddr            string `mapstructure:"public_addr"`
	DkimKeyPath           string `mapstructure:"dkim_key_path"`
	DkimSelector          string `mapstructure:"dkim_selector"`
	QueuePath             string `mapstructure:"queue_path"`
}

type HttpConfig struct {
	ListenHost      string `mapstructure:"listen_host"`
	ListenPort      int    `mapstructure:"listen_port"`
	MaxBody         int64  `mapstructure:"max_body"`
	RuntimeFilePath string `mapstructure:"runtime_file_path"`
	AuthTokens      string `mapstructure:"auth_tokens"`
	DocsEnabled     bool   `mapstructure:"docs_enabled"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Mail MailConfig `mapstructure:"mail"`
	Http HttpConfig `mapstructure:"http"`
	Log  LogConfig  `mapstructure:"log"`
}

// Tokens splits http.auth_tokens into its individual tokens. An empty
// result means the API runs without authentication.
func (h *HttpConfig) Tokens() []string {
	if strings.TrimSpace(h.AuthTokens) == "" {
		return nil
	}
	tokens := []string{}
	for _, token := range strings.Split(h.AuthTokens, ",") {
		if token = strings.TrimSpace(token); token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

func (m *MailConfig) FromAddr(fromUser string) string {
	return fmt.Sprintf("%s@%s", fromUser, m.Domain)
}

// DkimKey reads and parses the configured DKIM private key. Returns
// nil without error when no key path is configured.
func (m *MailConfig) DkimKey() (crypto.Signer, error) {
	if m.DkimKeyPath == "" {
		return nil, nil
	}
	pemBytes, err := os.ReadFile(m.DkimKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read dkim key from %s: %w", m.DkimKeyPath, err)
	}
	privKey, err := utils.ParseDkimKey(string(pemBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse dkim key %s: %w", m.DkimKeyPath, err)
	}
	return utils.Signer(privKey)
}

func (c *Config) IsValid() error {
	if c.Mail.Domain == "" {
		return errors.New("'mail.domain' not set but required")
	}
	if c.Mail.ServerName == "" {
		return errors.New("'mail.server_name' not set but required")
	}
	if c.Http.MaxBody < minMaxBody || c.Http.MaxBody > maxMaxBody {
		return fmt.Errorf("'http.max_body' must be within %d..%d, got %d", minMaxBody, maxMaxBody, c.Http.MaxBody)
	}
	if err := c.validateProxy(); err != nil {
		return err
	}
	if err := c.validateDkim(); err != nil {
		return err
	}
	return c.validateRuntimeFile()
}

func (c *Config) validateProxy() error {
	if c.Mail.Proxy == "" {
		return nil
	}
	proxyUrl, err := url.Parse(c.Mail.Proxy)
	if err != nil {
		return fmt.Errorf("invalid 'mail.proxy' url: %w", err)
	}
	switch proxyUrl.Scheme {
	case "http", "socks4", "socks5":
	default:
		return fmt.Errorf("unsupported 'mail.proxy' scheme: %s", proxyUrl.Scheme)
	}
	if proxyUrl.Hostname() == "" {
		return errors.New("'mail.proxy' url is missing a host")
	}
	return nil
}

// validateDkim parses the configured key and signs a probe message, so a
// broken key fails startup instead of every delivery.
func (c *Config) validateDkim() error {
	signer, err := c.Mail.DkimKey()
	if err != nil {
		return err
	}
	if signer == nil {
		return nil
	}
	probe := "From: example@example.com\r\n\r\n"
	signed := &bytes.Buffer{}
	if err := dkim.Sign(signed, strings.NewReader(probe), &dkim.SignOptions{
		Domain:   c.Mail.Domain,
		Selector: c.Mail.DkimSelector,
		Signer:   signer,
		Hash:     crypto.SHA256,
	}); err != nil {
		return fmt.Errorf("dkim key %s has incorrect format: %w", c.Mail.DkimKeyPath, err)
	}
	return nil
}

func (c *Config) validateRuntimeFile() error {
	path := c.Http.RuntimeFilePath
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("runtime file %s is not writable: %w", path, err)
	}
	return f.Close()
}

func ConfigDefaults() {
	viper.SetDefault("mail.def_username", "mailserver")
	viper.SetDefault("mail.def_smtp_connect_timeout", 5)
	viper.SetDefault("mail.def_mail_send_timeout", 30)
	viper.SetDefault("mail.def_ignore_starttls_cert", false)
	viper.SetDefault("mail.dkim_selector", "mail")
	viper.SetDefault("mail.queue_path", "/data/queue/send.db")

	viper.SetDefault("http.listen_host", "0.0.0.0")
	viper.SetDefault("http.listen_port", 80)
	viper.SetDefault("http.max_body", defaultMaxBody)
	viper.SetDefault("http.docs_enabled", false)

	viper.SetDefault("log.level", utils.Must(slog.LevelInfo.MarshalText()))

	if err := BindStructToEnv(&Config{}, viper.GetViper()); err != nil {
		panic(fmt.Errorf("failed to bind config to environment: %w", err))
	}
}

// LoadConfig reads .env files the way the service always has (a later
// file never overrides an earlier one and the process environment wins),
// binds MAIL_/HTTP_/LOG_ variables and validates the result.
func LoadConfig(logger *slog.Logger) (*Config, error) {
	for _, envFile := range []string{".env", ".env.example"} {
		if _, err := os.Stat(envFile); err == nil {
			if err := gotenv.Load(envFile); err != nil {
				logger.Warn("failed to load env file", "file", envFile, "err", err)
			}
		}
	}
	ConfigDefaults()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		logger.Warn("failed to unmarshal config", "err", err)
		return nil, err
	}
	if err := cfg.IsValid(); err != nil {
		logger.Error("invalid/incomplete configuration", "err", err)
		return nil, err
	}
	return cfg, nil
}
