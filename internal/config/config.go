package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "ROUTEX_"

// GlobalFlags are the persistent CLI flags. Zero values mean "not set",
// except Retries where -1 means not set.
type GlobalFlags struct {
	ConfigPath string
	JSON       bool
	Plain      bool
	Timeout    string
	Retries    int
	LogLevel   string
	LogFormat  string
	NoCache    bool
	StorePath  string
}

type Settings struct {
	OutputMode string
	Timeout    time.Duration
	Retries    int
	LogLevel   string
	LogFormat  string

	StorePath     string
	StoreLockPath string

	CacheEnabled  bool
	CachePath     string
	CacheLockPath string
	ChainCacheTTL time.Duration

	LiFiBaseURL    string
	LiFiAPIKey     string
	LiFiIntegrator string

	StatusPollInterval  time.Duration
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
	InfiniteApproval    bool
	Simulate            bool
	GasMultiplier       float64
	MaxFeeGwei          string
	MaxPriorityFeeGwei  string
	KeySource           string

	// RPCURLs overrides the default RPC endpoint per chain id.
	RPCURLs map[int64]string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Store struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"store"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		ChainTTL string `yaml:"chain_ttl"`
	} `yaml:"cache"`
	LiFi struct {
		BaseURL    string `yaml:"base_url"`
		APIKey     string `yaml:"api_key"`
		APIKeyEnv  string `yaml:"api_key_env"`
		Integrator string `yaml:"integrator"`
	} `yaml:"lifi"`
	Execution struct {
		StatusPollInterval  string   `yaml:"status_poll_interval"`
		ReceiptPollInterval string   `yaml:"receipt_poll_interval"`
		ReceiptTimeout      string   `yaml:"receipt_timeout"`
		InfiniteApproval    *bool    `yaml:"infinite_approval"`
		Simulate            *bool    `yaml:"simulate"`
		GasMultiplier       *float64 `yaml:"gas_multiplier"`
		MaxFeeGwei          string   `yaml:"max_fee_gwei"`
		MaxPriorityFeeGwei  string   `yaml:"max_priority_fee_gwei"`
		KeySource           string   `yaml:"key_source"`
	} `yaml:"execution"`
	RPC map[int64]string `yaml:"rpc"`
}

// Load resolves settings from defaults, the YAML config file, ROUTEX_*
// environment variables and flags, in increasing precedence.
func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}
	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}
	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}
	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}
	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}
	return settings, validate(settings)
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:          "json",
		Timeout:             15 * time.Second,
		Retries:             2,
		LogLevel:            "warn",
		LogFormat:           "text",
		StorePath:           filepath.Join(dataDir, "routes.db"),
		StoreLockPath:       filepath.Join(dataDir, "routes.lock"),
		CacheEnabled:        true,
		CachePath:           filepath.Join(dataDir, "cache.db"),
		CacheLockPath:       filepath.Join(dataDir, "cache.lock"),
		ChainCacheTTL:       24 * time.Hour,
		StatusPollInterval:  5 * time.Second,
		ReceiptPollInterval: 2 * time.Second,
		ReceiptTimeout:      10 * time.Minute,
		Simulate:            true,
		GasMultiplier:       1.2,
		KeySource:           "auto",
		RPCURLs:             map[int64]string{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "routex", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "routex"), nil
}

func applyFileConfig(path string, s *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	setString(&s.OutputMode, strings.ToLower(cfg.Output))
	if err := setDuration(&s.Timeout, cfg.Timeout, "config timeout"); err != nil {
		return err
	}
	if cfg.Retries != nil {
		s.Retries = *cfg.Retries
	}
	setString(&s.LogLevel, cfg.Log.Level)
	setString(&s.LogFormat, cfg.Log.Format)
	setString(&s.StorePath, cfg.Store.Path)
	setString(&s.StoreLockPath, cfg.Store.LockPath)
	if cfg.Cache.Enabled != nil {
		s.CacheEnabled = *cfg.Cache.Enabled
	}
	setString(&s.CachePath, cfg.Cache.Path)
	setString(&s.CacheLockPath, cfg.Cache.LockPath)
	if err := setDuration(&s.ChainCacheTTL, cfg.Cache.ChainTTL, "config cache.chain_ttl"); err != nil {
		return err
	}
	setString(&s.LiFiBaseURL, cfg.LiFi.BaseURL)
	setString(&s.LiFiAPIKey, cfg.LiFi.APIKey)
	if cfg.LiFi.APIKeyEnv != "" {
		setString(&s.LiFiAPIKey, os.Getenv(cfg.LiFi.APIKeyEnv))
	}
	setString(&s.LiFiIntegrator, cfg.LiFi.Integrator)

	exec := cfg.Execution
	if err := setDuration(&s.StatusPollInterval, exec.StatusPollInterval, "config execution.status_poll_interval"); err != nil {
		return err
	}
	if err := setDuration(&s.ReceiptPollInterval, exec.ReceiptPollInterval, "config execution.receipt_poll_interval"); err != nil {
		return err
	}
	if err := setDuration(&s.ReceiptTimeout, exec.ReceiptTimeout, "config execution.receipt_timeout"); err != nil {
		return err
	}
	if exec.InfiniteApproval != nil {
		s.InfiniteApproval = *exec.InfiniteApproval
	}
	if exec.Simulate != nil {
		s.Simulate = *exec.Simulate
	}
	if exec.GasMultiplier != nil {
		s.GasMultiplier = *exec.GasMultiplier
	}
	setString(&s.MaxFeeGwei, exec.MaxFeeGwei)
	setString(&s.MaxPriorityFeeGwei, exec.MaxPriorityFeeGwei)
	setString(&s.KeySource, exec.KeySource)
	for chainID, url := range cfg.RPC {
		s.RPCURLs[chainID] = strings.TrimSpace(url)
	}
	return nil
}

func applyEnv(s *Settings) error {
	env := func(name string) string { return strings.TrimSpace(os.Getenv(envPrefix + name)) }

	setString(&s.OutputMode, strings.ToLower(env("OUTPUT")))
	if err := setDuration(&s.Timeout, env("TIMEOUT"), envPrefix+"TIMEOUT"); err != nil {
		return err
	}
	if v := env("RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sRETRIES: %w", envPrefix, err)
		}
		s.Retries = n
	}
	setString(&s.LogLevel, env("LOG_LEVEL"))
	setString(&s.LogFormat, env("LOG_FORMAT"))
	setString(&s.StorePath, env("STORE_PATH"))
	setString(&s.StoreLockPath, env("STORE_LOCK_PATH"))
	if v := env("NO_CACHE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sNO_CACHE: %w", envPrefix, err)
		}
		s.CacheEnabled = !b
	}
	setString(&s.CachePath, env("CACHE_PATH"))
	setString(&s.CacheLockPath, env("CACHE_LOCK_PATH"))
	setString(&s.LiFiBaseURL, env("LIFI_BASE_URL"))
	setString(&s.LiFiAPIKey, env("LIFI_API_KEY"))
	setString(&s.LiFiIntegrator, env("LIFI_INTEGRATOR"))
	if err := setDuration(&s.StatusPollInterval, env("STATUS_POLL_INTERVAL"), envPrefix+"STATUS_POLL_INTERVAL"); err != nil {
		return err
	}
	if v := env("INFINITE_APPROVAL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sINFINITE_APPROVAL: %w", envPrefix, err)
		}
		s.InfiniteApproval = b
	}
	setString(&s.MaxFeeGwei, env("MAX_FEE_GWEI"))
	setString(&s.MaxPriorityFeeGwei, env("MAX_PRIORITY_FEE_GWEI"))
	setString(&s.KeySource, env("KEY_SOURCE"))
	return nil
}

func applyFlags(flags GlobalFlags, s *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		s.OutputMode = "json"
	}
	if flags.Plain {
		s.OutputMode = "plain"
	}
	if err := setDuration(&s.Timeout, flags.Timeout, "parse --timeout"); err != nil {
		return err
	}
	if flags.Retries >= 0 {
		s.Retries = flags.Retries
	}
	setString(&s.LogLevel, flags.LogLevel)
	setString(&s.LogFormat, flags.LogFormat)
	if flags.NoCache {
		s.CacheEnabled = false
	}
	if strings.TrimSpace(flags.StorePath) != "" {
		s.StorePath = strings.TrimSpace(flags.StorePath)
		s.StoreLockPath = s.StorePath + ".lock"
	}
	return nil
}

func validate(s Settings) error {
	if s.OutputMode != "json" && s.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if s.LogFormat != "json" && s.LogFormat != "text" {
		return fmt.Errorf("log format must be json or text")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if s.Retries < 0 {
		return fmt.Errorf("retries must be non-negative")
	}
	if s.StatusPollInterval <= 0 || s.ReceiptPollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if s.GasMultiplier < 1 {
		return fmt.Errorf("gas multiplier must be >= 1")
	}
	return nil
}

// RPCURL returns the configured RPC override for chainID, if any.
func (s Settings) RPCURL(chainID int64) string {
	return s.RPCURLs[chainID]
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, label string) error {
	if v = strings.TrimSpace(v); v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	*dst = d
	return nil
}
