// Package config loads the process configuration once at startup. Nothing
// below cmd/ reads the environment directly; the resulting Config value is
// passed into constructors.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	DefaultMonarchBaseURL = "https://api.monarchmoney.com"
	DefaultDaysBack       = 90
	DefaultPageSize       = 100
	DefaultRunTimeout     = 10 * time.Minute
	DefaultOutXLSX        = "monarch_transactions.xlsx"
	DefaultSessionFile    = ".mm/session.json"
	DefaultTokenFile      = "token.json"
	DefaultClientSecret   = "client_secret.json"
	DefaultHTTPPort       = "8080"
	DefaultNotionRetries  = 3

	// ConfigFileEnv names an optional YAML file loaded before the environment.
	ConfigFileEnv = "TXSYNC_CONFIG"
)

// Credential is the aggregator login tuple. It is never mutated after load
// and never printed in full.
type Credential struct {
	Email     string `koanf:"monarch_email" validate:"required,email"`
	Password  string `koanf:"monarch_password" validate:"required"`
	MFASecret string `koanf:"monarch_mfa_secret" validate:"required"`
}

// String redacts the secrets so a Credential is safe to print.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{Email:%q Password:<redacted> MFASecret:<redacted>}", c.Email)
}

// MonarchConfig holds the remote service settings.
type MonarchConfig struct {
	Credential `koanf:",squash"`

	BaseURL  string `koanf:"monarch_base_url" validate:"required,url"`
	PageSize int    `koanf:"page_size" validate:"gte=1,lte=1000"`
}

// StorageConfig selects the durable store. The URL scheme picks the backend:
// postgres://, postgresql://, bigquery://project/dataset or sqlite://path.
type StorageConfig struct {
	DatabaseURL string `koanf:"database_url" validate:"required"`
}

// SessionConfig locates the cached session artifact.
type SessionConfig struct {
	File   string `koanf:"session_file"`
	GCSURI string `koanf:"session_gcs_uri" validate:"omitempty,startswith=gs://"`
}

// ReportConfig drives the spreadsheet exports.
type ReportConfig struct {
	OutXLSX          string   `koanf:"out_xlsx"`
	Views            []string `koanf:"report_views"`
	GCSURI           string   `koanf:"report_gcs_uri" validate:"omitempty,startswith=gs://"`
	GoogleSheetID    string   `koanf:"google_sheet_id"`
	GoogleTokenFile  string   `koanf:"google_token_file"`
	GoogleClientFile string   `koanf:"google_client_secret_file"`
}

// NotionConfig is only required by the Notion sync command.
type NotionConfig struct {
	Token      string `koanf:"notion_token" validate:"required"`
	DatabaseID string `koanf:"notion_db_id" validate:"required"`
	MaxRetries int    `koanf:"notion_max_retries" validate:"gte=0"`
}

type Config struct {
	MonarchConfig `koanf:",squash"`
	StorageConfig `koanf:",squash"`
	SessionConfig `koanf:",squash"`
	ReportConfig  `koanf:",squash"`
	NotionConfig  `koanf:",squash"`

	DaysBack   int           `koanf:"days_back" validate:"gte=0"`
	RunTimeout time.Duration `koanf:"run_timeout" validate:"gt=0"`
	LogLevel   string        `koanf:"log_level"`
	LogFormat  string        `koanf:"log_format" validate:"omitempty,oneof=console json"`
	HTTPPort   string        `koanf:"http_port"`
	APIToken   string        `koanf:"api_token"`
}

// Error is a configuration error: a missing or malformed parameter that
// makes the run impossible. It is always fatal and raised before any
// network call.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// IsConfigError reports whether err is, or wraps, a configuration error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Load reads .env (if present in the working directory), the YAML file named
// by TXSYNC_CONFIG (if set), then the process environment, which wins.
func Load() (*Config, error) {
	return LoadFrom(".env", os.Getenv(ConfigFileEnv))
}

// LoadFrom is Load with explicit file locations. Either path may be empty or
// point to a missing file.
func LoadFrom(dotenvPath, yamlPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(defaultsProvider{}, nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if dotenvPath != "" && fileExists(dotenvPath) {
		parser := dotenv.ParserEnv("", ".", strings.ToLower)
		if err := k.Load(file.Provider(dotenvPath), parser); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", dotenvPath, err)
		}
	}

	if yamlPath != "" {
		if !fileExists(yamlPath) {
			return nil, &Error{Field: ConfigFileEnv, Msg: fmt.Sprintf("file %s not found", yamlPath)}
		}
		if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(key), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := new(Config)
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, &Error{Msg: err.Error()}
	}

	cfg.Views = trimAll(cfg.Views)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.MFASecret = strings.TrimSpace(cfg.MFASecret)

	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateIngest checks everything a pipeline run needs: credentials,
// storage and run parameters.
func (c *Config) ValidateIngest() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if err := validateStruct(c.MonarchConfig); err != nil {
		return err
	}
	if err := validateStruct(c.SessionConfig); err != nil {
		return err
	}
	if err := validateStruct(c.ReportConfig); err != nil {
		return err
	}
	return validateStruct(struct {
		DaysBack   int           `validate:"gte=0"`
		RunTimeout time.Duration `validate:"gt=0"`
		LogFormat  string        `validate:"omitempty,oneof=console json"`
	}{c.DaysBack, c.RunTimeout, c.LogFormat})
}

// ValidateStorage checks only the storage connection string.
func (c *Config) ValidateStorage() error {
	return validateStruct(c.StorageConfig)
}

// ValidateNotion checks the Notion sync settings plus storage.
func (c *Config) ValidateNotion() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	return validateStruct(c.NotionConfig)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &Error{Field: envName(fe.StructField()), Msg: describe(fe)}
	}
	return &Error{Msg: err.Error()}
}

// envName maps a struct field back to the variable an operator has to set.
func envName(field string) string {
	switch field {
	case "Email":
		return "MONARCH_EMAIL"
	case "Password":
		return "MONARCH_PASSWORD"
	case "MFASecret":
		return "MONARCH_MFA_SECRET"
	case "BaseURL":
		return "MONARCH_BASE_URL"
	case "PageSize":
		return "PAGE_SIZE"
	case "DatabaseURL":
		return "DATABASE_URL"
	case "GCSURI":
		return "SESSION_GCS_URI / REPORT_GCS_URI"
	case "Token":
		return "NOTION_TOKEN"
	case "DatabaseID":
		return "NOTION_DB_ID"
	case "MaxRetries":
		return "NOTION_MAX_RETRIES"
	case "DaysBack":
		return "DAYS_BACK"
	case "RunTimeout":
		return "RUN_TIMEOUT"
	case "LogFormat":
		return "LOG_FORMAT"
	}
	return field
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be an email address"
	case "url":
		return "must be a URL"
	case "startswith":
		return "must start with " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// defaultsProvider seeds koanf with the built-in defaults.
type defaultsProvider struct{}

func (defaultsProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("defaultsProvider does not support ReadBytes")
}

func (defaultsProvider) Read() (map[string]any, error) {
	return map[string]any{
		"monarch_base_url":          DefaultMonarchBaseURL,
		"page_size":                 DefaultPageSize,
		"days_back":                 DefaultDaysBack,
		"run_timeout":               DefaultRunTimeout.String(),
		"out_xlsx":                  DefaultOutXLSX,
		"session_file":              DefaultSessionFile,
		"google_token_file":         DefaultTokenFile,
		"google_client_secret_file": DefaultClientSecret,
		"http_port":                 DefaultHTTPPort,
		"notion_max_retries":        DefaultNotionRetries,
	}, nil
}
