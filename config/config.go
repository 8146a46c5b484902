package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MinScoringTimeout is the lower bound accepted for scoring.timeout.
const MinScoringTimeout = 60 * time.Second

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Users     []User          `yaml:"users"`
	Minio     MinioConfig     `yaml:"minio"`
	Store     StoreConfig     `yaml:"store"`
	Upload    UploadConfig    `yaml:"upload"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Payment   PaymentConfig   `yaml:"payment"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	Region     string `yaml:"region"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

// StoreConfig selects the submission store backend.
type StoreConfig struct {
	Driver         string `yaml:"driver"` // memory, postgres, mysql
	DSN            string `yaml:"dsn"`
	MaxSubmissions int    `yaml:"max_submissions"` // memory driver only, 0 = unlimited
	MaxConns       int32  `yaml:"max_conns"`
	// ClaimTTL is how long a processing claim is honoured before another
	// run may take it over. Zero derives it from AnalysisBudget.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

type UploadConfig struct {
	MaxBytes   int64    `yaml:"max_bytes"`
	Extensions []string `yaml:"extensions"`
}

// AnalyzerConfig describes how the static-analysis tool is invoked.
type AnalyzerConfig struct {
	Binary           string        `yaml:"binary"`
	ExtraArgs        []string      `yaml:"extra_args"`
	Timeout          time.Duration `yaml:"timeout"`
	WorkDir          string        `yaml:"work_dir"`
	SuccessExitCodes []int         `yaml:"success_exit_codes"`
	MaxOutputBytes   int64         `yaml:"max_output_bytes"`
}

type ScoringConfig struct {
	APIURL         string        `yaml:"api_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Timeout        time.Duration `yaml:"timeout"`
	PromptTemplate string        `yaml:"prompt_template"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

// PaymentConfig holds the payment processor credentials and checkout settings.
type PaymentConfig struct {
	APIURL           string `yaml:"api_url"`
	APIKey           string `yaml:"api_key"`
	WebhookSecret    string `yaml:"webhook_secret"`
	ToleranceSeconds int    `yaml:"tolerance_seconds"`
	PriceCents       int64  `yaml:"price_cents"`
	Currency         string `yaml:"currency"`
	ProductName      string `yaml:"product_name"`
	SuccessURL       string `yaml:"success_url"`
	CancelURL        string `yaml:"cancel_url"`
}

// WorkflowConfig configures the optional external workflow trigger.
// An empty TriggerURL disables triggering; analysis then runs in-process.
type WorkflowConfig struct {
	TriggerURL string        `yaml:"trigger_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ConfigError lists every missing or invalid setting found by Validate.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Load reads the optional YAML file at path, then .env, then environment
// overrides, and fills defaults. It does not validate; call Validate.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyEnv() error {
	envString(&c.Log.Level, "LOG_LEVEL")
	envString(&c.Log.Format, "LOG_FORMAT")
	envString(&c.Auth.JWTSecret, "JWT_SECRET")

	envString(&c.Minio.Endpoint, "MINIO_ENDPOINT")
	envString(&c.Minio.AccessKey, "MINIO_ACCESS_KEY")
	envString(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	envString(&c.Minio.Bucket, "MINIO_BUCKET")
	envString(&c.Minio.Region, "MINIO_REGION")

	envString(&c.Store.Driver, "STORE_DRIVER")
	envString(&c.Store.DSN, "DATABASE_URL")

	envString(&c.Analyzer.Binary, "ANALYZER_BINARY", "SLITHER_BIN")
	envString(&c.Analyzer.WorkDir, "ANALYZER_WORK_DIR")

	envString(&c.Scoring.APIURL, "SCORING_API_URL", "DART_AI_URL")
	envString(&c.Scoring.APIKey, "SCORING_API_KEY", "DART_AI_API_KEY")
	envString(&c.Scoring.Model, "SCORING_MODEL")
	envString(&c.Scoring.PromptTemplate, "PROMPT_TEMPLATE_PATH")

	envString(&c.Payment.APIKey, "STRIPE_API_KEY")
	envString(&c.Payment.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	envString(&c.Payment.SuccessURL, "STRIPE_SUCCESS_URL")
	envString(&c.Payment.CancelURL, "STRIPE_CANCEL_URL")

	envString(&c.Workflow.TriggerURL, "WORKFLOW_TRIGGER_URL", "N8N_WEBHOOK_URL")
	envString(&c.Workflow.Token, "WORKFLOW_TOKEN")

	if err := envInt(&c.Server.Port, "PORT"); err != nil {
		return err
	}
	if err := envInt(&c.Payment.ToleranceSeconds, "STRIPE_TOLERANCE_SECONDS"); err != nil {
		return err
	}
	if err := envDuration(&c.Analyzer.Timeout, "ANALYZER_TIMEOUT"); err != nil {
		return err
	}
	if err := envDuration(&c.Scoring.Timeout, "SCORING_TIMEOUT"); err != nil {
		return err
	}
	if err := envDuration(&c.Store.ClaimTTL, "STORE_CLAIM_TTL"); err != nil {
		return err
	}
	if v, ok := lookup("MINIO_USE_SSL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MINIO_USE_SSL: %w", err)
		}
		c.Minio.UseSSL = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
	if c.Minio.ExpireDays == 0 {
		c.Minio.ExpireDays = 7
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = 10
	}
	if c.Upload.MaxBytes == 0 {
		c.Upload.MaxBytes = 1 << 20
	}
	if len(c.Upload.Extensions) == 0 {
		c.Upload.Extensions = []string{".sol", ".vy"}
	}
	if c.Analyzer.Binary == "" {
		c.Analyzer.Binary = "slither"
	}
	if c.Analyzer.Timeout == 0 {
		c.Analyzer.Timeout = 120 * time.Second
	}
	if len(c.Analyzer.SuccessExitCodes) == 0 {
		c.Analyzer.SuccessExitCodes = []int{0}
	}
	if c.Analyzer.MaxOutputBytes == 0 {
		c.Analyzer.MaxOutputBytes = 16 << 20
	}
	if c.Scoring.Timeout == 0 {
		c.Scoring.Timeout = 120 * time.Second
	}
	if c.Scoring.Model == "" {
		c.Scoring.Model = "audit-scorer"
	}
	if c.Scoring.MaxAttempts == 0 {
		c.Scoring.MaxAttempts = 2
	}
	if c.Scoring.RetryBackoff == 0 {
		c.Scoring.RetryBackoff = 2 * time.Second
	}
	if c.Payment.APIURL == "" {
		c.Payment.APIURL = "https://api.stripe.com"
	}
	if c.Payment.ToleranceSeconds == 0 {
		c.Payment.ToleranceSeconds = 300
	}
	if c.Payment.PriceCents == 0 {
		c.Payment.PriceCents = 2000
	}
	if c.Payment.Currency == "" {
		c.Payment.Currency = "usd"
	}
	if c.Payment.ProductName == "" {
		c.Payment.ProductName = "Premium Audit"
	}
	if c.Payment.SuccessURL == "" {
		c.Payment.SuccessURL = "http://localhost:3000/results/{CHECKOUT_SESSION_ID}"
	}
	if c.Payment.CancelURL == "" {
		c.Payment.CancelURL = "http://localhost:3000/pricing"
	}
	if c.Workflow.Timeout == 0 {
		c.Workflow.Timeout = 10 * time.Second
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 100
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.Store.ClaimTTL == 0 {
		c.Store.ClaimTTL = c.AnalysisBudget() + time.Minute
	}
}

// AnalysisBudget is the longest a single analysis may take: one tool run
// plus every scoring attempt and the backoff between them.
func (c *Config) AnalysisBudget() time.Duration {
	attempts := time.Duration(max(c.Scoring.MaxAttempts, 1))
	backoff := c.Scoring.RetryBackoff * attempts * (attempts - 1) / 2
	return c.Analyzer.Timeout + c.Scoring.Timeout*attempts + backoff
}

// Validate reports every missing required value at once. A non-nil result
// is a *ConfigError and is fatal at startup.
func (c *Config) Validate() error {
	var problems []string
	require := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, key+" is required")
		}
	}

	require(c.Auth.JWTSecret, "auth.jwt_secret")
	require(c.Minio.Endpoint, "minio.endpoint")
	require(c.Minio.Bucket, "minio.bucket")
	require(c.Scoring.APIURL, "scoring.api_url")
	require(c.Scoring.APIKey, "scoring.api_key")
	require(c.Payment.APIKey, "payment.api_key")
	require(c.Payment.WebhookSecret, "payment.webhook_secret")

	switch c.Store.Driver {
	case "memory":
	case "postgres", "mysql":
		require(c.Store.DSN, "store.dsn")
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of memory, postgres, mysql", c.Store.Driver))
	}

	if c.Scoring.Timeout < MinScoringTimeout {
		problems = append(problems, fmt.Sprintf("scoring.timeout must be at least %s", MinScoringTimeout))
	}
	if c.Scoring.MaxAttempts < 1 {
		problems = append(problems, "scoring.max_attempts must be at least 1")
	}
	if c.Workflow.TriggerURL != "" {
		require(c.Workflow.Token, "workflow.token")
	}
	if c.Analyzer.Timeout <= 0 {
		problems = append(problems, "analyzer.timeout must be positive")
	}
	if budget := c.AnalysisBudget(); c.Store.ClaimTTL < budget {
		problems = append(problems, fmt.Sprintf("store.claim_ttl must be at least %s", budget))
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// envString overrides dst with the first non-empty variable among keys.
func envString(dst *string, keys ...string) {
	for _, key := range keys {
		if v, ok := lookup(key); ok {
			*dst = v
			return
		}
	}
}

func envInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(dst *time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
