// Package util provides configuration, credentials and logging for prowl.
package util

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/user/prowl/internal/model"
)

// Failed-target retry policies across sessions.
const (
	RetryFailedNever       = "never"
	RetryFailedNextSession = "next_session"
	RetryFailedCooldown    = "cooldown"
)

// MaxParallelTargets caps the worker pool.
const MaxParallelTargets = 4

// Config holds all application configuration.
type Config struct {
	DataDir         string `mapstructure:"data_dir"`
	LogLevel        string `mapstructure:"log_level"`
	LogFile         string `mapstructure:"log_file"`
	LogFormat       string `mapstructure:"log_format"`
	ReportOutputDir string `mapstructure:"report_output_dir"`
	WebPort         int    `mapstructure:"web_port"`

	// Session settings
	Scope               string        `mapstructure:"scope"`
	Interface           string        `mapstructure:"interface"`
	ExcludeSelf         bool          `mapstructure:"exclude_self"`
	FreshStart          bool          `mapstructure:"fresh_start"`
	RetryFailed         string        `mapstructure:"retry_failed"`
	RetryFailedCooldown time.Duration `mapstructure:"retry_failed_cooldown"`
	ParallelTargets     int           `mapstructure:"parallel_targets"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	ConnectivityServer  string        `mapstructure:"connectivity_server"`
	ExportInterval      time.Duration `mapstructure:"export_interval"`

	// Retry policy for timed-out stages
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`

	Stages StagesConfig `mapstructure:"stages"`

	CredentialsFile string            `mapstructure:"credentials_file"`
	Credentials     []CredentialEntry `mapstructure:"credentials"`
	Networks        []NetworkConfig   `mapstructure:"networks"`

	Display DisplayConfig `mapstructure:"display"`
}

// StageConfig holds options shared by every stage.
type StageConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DiscoveryConfig configures host discovery.
type DiscoveryConfig struct {
	StageConfig      `mapstructure:",squash"`
	Method           string `mapstructure:"method"`
	NmapPath         string `mapstructure:"nmap_path"`
	ResolveHostnames bool   `mapstructure:"resolve_hostnames"`
	DNSServer        string `mapstructure:"dns_server"`
}

// FingerprintConfig configures service and OS fingerprinting.
type FingerprintConfig struct {
	StageConfig  `mapstructure:",squash"`
	Method       string `mapstructure:"method"`
	Ports        []int  `mapstructure:"ports"`
	OSDetection  bool   `mapstructure:"os_detection"`
	VersionLight bool   `mapstructure:"version_light"`
}

// VulnConfig configures vulnerability correlation.
type VulnConfig struct {
	StageConfig      `mapstructure:",squash"`
	SearchsploitPath string `mapstructure:"searchsploit_path"`
	MaxCandidates    int    `mapstructure:"max_candidates"`
}

// ExploitConfig configures exploit attempts.
type ExploitConfig struct {
	StageConfig       `mapstructure:",squash"`
	Command           []string      `mapstructure:"command"`
	AttemptAll        bool          `mapstructure:"attempt_all"`
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

// HarvestConfig configures credentialed file retrieval.
type HarvestConfig struct {
	StageConfig `mapstructure:",squash"`
	Protocols   []string `mapstructure:"protocols"`
	Directories []string `mapstructure:"directories"`
	Extensions  []string `mapstructure:"extensions"`
	MaxBytes    int64    `mapstructure:"max_bytes"`
	MaxFiles    int      `mapstructure:"max_files"`
	OutputDir   string   `mapstructure:"output_dir"`
	SMBShares   []string `mapstructure:"smb_shares"`
}

// StagesConfig enumerates per-stage settings.
type StagesConfig struct {
	Discovery     DiscoveryConfig   `mapstructure:"discovery"`
	Fingerprint   FingerprintConfig `mapstructure:"fingerprint"`
	VulnCorrelate VulnConfig        `mapstructure:"vuln_correlate"`
	Exploit       ExploitConfig     `mapstructure:"exploit"`
	Harvest       HarvestConfig     `mapstructure:"harvest"`
}

// CredentialEntry is an inline credential pair.
type CredentialEntry struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// NetworkConfig is a wireless network the session controller may join.
type NetworkConfig struct {
	SSID     string `mapstructure:"ssid"`
	Password string `mapstructure:"password"`
}

// DisplayConfig configures the display sinks.
type DisplayConfig struct {
	StatusFile bool   `mapstructure:"status_file"`
	MQTTBroker string `mapstructure:"mqtt_broker"`
	MQTTTopic  string `mapstructure:"mqtt_topic"`
	Buffer     int    `mapstructure:"buffer"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".prowl")

	return &Config{
		DataDir:         dataDir,
		LogLevel:        "info",
		LogFile:         filepath.Join(dataDir, "prowl.log"),
		LogFormat:       "text",
		ReportOutputDir: filepath.Join(dataDir, "reports"),
		WebPort:         8080,

		Interface:           "wlan0",
		ExcludeSelf:         true,
		RetryFailed:         RetryFailedNever,
		RetryFailedCooldown: 6 * time.Hour,
		ParallelTargets:     1,
		PollInterval:        10 * time.Second,
		ExportInterval:      time.Minute,

		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffMax:  30 * time.Second,

		Stages: StagesConfig{
			Discovery: DiscoveryConfig{
				StageConfig: StageConfig{Enabled: true, Timeout: 2 * time.Minute},
				Method:      "nmap",
				NmapPath:    "nmap",
			},
			Fingerprint: FingerprintConfig{
				StageConfig: StageConfig{Enabled: true, Timeout: 3 * time.Minute},
				Method:      "nmap",
				Ports:       GetTopPorts(50),
				OSDetection: true,
			},
			VulnCorrelate: VulnConfig{
				StageConfig:      StageConfig{Enabled: true, Timeout: time.Minute},
				SearchsploitPath: "searchsploit",
				MaxCandidates:    10,
			},
			Exploit: ExploitConfig{
				StageConfig:       StageConfig{Enabled: true, Timeout: 10 * time.Minute},
				PerAttemptTimeout: 2 * time.Minute,
			},
			Harvest: HarvestConfig{
				StageConfig: StageConfig{Enabled: true, Timeout: 5 * time.Minute},
				Protocols:   []string{"ssh", "ftp", "smb"},
				Directories: []string{"/etc", "/home", "/var/www"},
				Extensions:  []string{".conf", ".txt", ".key", ".pem", ".env", ".db"},
				MaxBytes:    50 << 20,
				MaxFiles:    200,
				OutputDir:   filepath.Join(dataDir, "loot"),
			},
		},

		CredentialsFile: filepath.Join(dataDir, "credentials.txt"),

		Display: DisplayConfig{
			StatusFile: true,
			MQTTTopic:  "prowl/events",
			Buffer:     64,
		},
	}
}

// LoadConfig loads configuration from file and environment. An empty path
// searches the data dir and the working directory for config.yaml.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(cfg.DataDir)
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("PROWL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(viper.GetViper(), cfg)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("report_output_dir", cfg.ReportOutputDir)
	v.SetDefault("web_port", cfg.WebPort)

	v.SetDefault("interface", cfg.Interface)
	v.SetDefault("exclude_self", cfg.ExcludeSelf)
	v.SetDefault("retry_failed", cfg.RetryFailed)
	v.SetDefault("retry_failed_cooldown", cfg.RetryFailedCooldown)
	v.SetDefault("parallel_targets", cfg.ParallelTargets)
	v.SetDefault("poll_interval", cfg.PollInterval)
	v.SetDefault("export_interval", cfg.ExportInterval)

	v.SetDefault("max_attempts", cfg.MaxAttempts)
	v.SetDefault("backoff_base", cfg.BackoffBase)
	v.SetDefault("backoff_max", cfg.BackoffMax)

	s := cfg.Stages
	v.SetDefault("stages.discovery.enabled", s.Discovery.Enabled)
	v.SetDefault("stages.discovery.timeout", s.Discovery.Timeout)
	v.SetDefault("stages.discovery.method", s.Discovery.Method)
	v.SetDefault("stages.discovery.nmap_path", s.Discovery.NmapPath)
	v.SetDefault("stages.fingerprint.enabled", s.Fingerprint.Enabled)
	v.SetDefault("stages.fingerprint.timeout", s.Fingerprint.Timeout)
	v.SetDefault("stages.fingerprint.method", s.Fingerprint.Method)
	v.SetDefault("stages.fingerprint.ports", s.Fingerprint.Ports)
	v.SetDefault("stages.fingerprint.os_detection", s.Fingerprint.OSDetection)
	v.SetDefault("stages.vuln_correlate.enabled", s.VulnCorrelate.Enabled)
	v.SetDefault("stages.vuln_correlate.timeout", s.VulnCorrelate.Timeout)
	v.SetDefault("stages.vuln_correlate.searchsploit_path", s.VulnCorrelate.SearchsploitPath)
	v.SetDefault("stages.vuln_correlate.max_candidates", s.VulnCorrelate.MaxCandidates)
	v.SetDefault("stages.exploit.enabled", s.Exploit.Enabled)
	v.SetDefault("stages.exploit.timeout", s.Exploit.Timeout)
	v.SetDefault("stages.exploit.per_attempt_timeout", s.Exploit.PerAttemptTimeout)
	v.SetDefault("stages.harvest.enabled", s.Harvest.Enabled)
	v.SetDefault("stages.harvest.timeout", s.Harvest.Timeout)
	v.SetDefault("stages.harvest.protocols", s.Harvest.Protocols)
	v.SetDefault("stages.harvest.directories", s.Harvest.Directories)
	v.SetDefault("stages.harvest.extensions", s.Harvest.Extensions)
	v.SetDefault("stages.harvest.max_bytes", s.Harvest.MaxBytes)
	v.SetDefault("stages.harvest.max_files", s.Harvest.MaxFiles)
	v.SetDefault("stages.harvest.output_dir", s.Harvest.OutputDir)

	v.SetDefault("credentials_file", cfg.CredentialsFile)
	v.SetDefault("display.status_file", cfg.Display.StatusFile)
	v.SetDefault("display.mqtt_topic", cfg.Display.MQTTTopic)
	v.SetDefault("display.buffer", cfg.Display.Buffer)
}

// Validate checks every option that could otherwise fail mid-session.
func (c *Config) Validate() error {
	if c.Scope != "" {
		if _, _, err := net.ParseCIDR(c.Scope); err != nil {
			return configErr("scope", "malformed CIDR %q", c.Scope)
		}
	} else if c.Interface == "" {
		return configErr("scope", "either scope or interface must be set")
	}
	if c.ParallelTargets < 1 || c.ParallelTargets > MaxParallelTargets {
		return configErr("parallel_targets", "must be between 1 and %d, got %d", MaxParallelTargets, c.ParallelTargets)
	}
	switch c.RetryFailed {
	case RetryFailedNever, RetryFailedNextSession:
	case RetryFailedCooldown:
		if c.RetryFailedCooldown <= 0 {
			return configErr("retry_failed_cooldown", "must be positive when retry_failed is cooldown")
		}
	default:
		return configErr("retry_failed", "unknown policy %q", c.RetryFailed)
	}
	if c.MaxAttempts < 1 {
		return configErr("max_attempts", "must be at least 1")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return configErr("backoff_base", "need 0 < backoff_base <= backoff_max")
	}
	if c.PollInterval <= 0 {
		return configErr("poll_interval", "must be positive")
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return configErr("log_format", "unknown format %q", c.LogFormat)
	}

	s := c.Stages
	timeouts := map[string]StageConfig{
		"discovery":      s.Discovery.StageConfig,
		"fingerprint":    s.Fingerprint.StageConfig,
		"vuln_correlate": s.VulnCorrelate.StageConfig,
		"exploit":        s.Exploit.StageConfig,
		"harvest":        s.Harvest.StageConfig,
	}
	for name, sc := range timeouts {
		if sc.Enabled && sc.Timeout <= 0 {
			return configErr("stages."+name+".timeout", "must be positive")
		}
	}

	switch s.Discovery.Method {
	case "nmap":
	case "arp":
		if c.Interface == "" {
			return configErr("stages.discovery.method", "arp discovery needs an interface")
		}
	default:
		return configErr("stages.discovery.method", "unknown method %q", s.Discovery.Method)
	}
	switch s.Fingerprint.Method {
	case "nmap", "connect":
	default:
		return configErr("stages.fingerprint.method", "unknown method %q", s.Fingerprint.Method)
	}
	if s.Fingerprint.Method == "connect" && len(s.Fingerprint.Ports) == 0 {
		return configErr("stages.fingerprint.ports", "connect fingerprinting needs ports")
	}
	for _, p := range s.Fingerprint.Ports {
		if p < 1 || p > 65535 {
			return configErr("stages.fingerprint.ports", "port %d out of range", p)
		}
	}
	if s.Exploit.Enabled && s.Exploit.PerAttemptTimeout <= 0 {
		return configErr("stages.exploit.per_attempt_timeout", "must be positive")
	}

	if s.Harvest.Enabled {
		if len(s.Harvest.Protocols) == 0 {
			return configErr("stages.harvest.protocols", "at least one protocol required")
		}
		for _, p := range s.Harvest.Protocols {
			switch p {
			case "ssh", "ftp", "smb":
			default:
				return configErr("stages.harvest.protocols", "unknown protocol %q", p)
			}
		}
		if s.Harvest.MaxBytes <= 0 {
			return configErr("stages.harvest.max_bytes", "must be positive")
		}
		if s.Harvest.MaxFiles < 0 {
			return configErr("stages.harvest.max_files", "must not be negative")
		}
		if s.Harvest.OutputDir == "" {
			return configErr("stages.harvest.output_dir", "required")
		}
	}
	return nil
}

// RetryFailedDue reports whether a target that failed at finishedAt may be
// retried by a new session starting at now.
func (c *Config) RetryFailedDue(finishedAt, now time.Time) bool {
	switch c.RetryFailed {
	case RetryFailedNextSession:
		return true
	case RetryFailedCooldown:
		return !finishedAt.IsZero() && now.Sub(finishedAt) >= c.RetryFailedCooldown
	}
	return false
}

// Stage returns the shared settings of the named stage.
func (c *Config) Stage(name model.StageName) StageConfig {
	switch name {
	case model.StageDiscovery:
		return c.Stages.Discovery.StageConfig
	case model.StageFingerprint:
		return c.Stages.Fingerprint.StageConfig
	case model.StageVulnCorrelate:
		return c.Stages.VulnCorrelate.StageConfig
	case model.StageExploit:
		return c.Stages.Exploit.StageConfig
	case model.StageHarvest:
		return c.Stages.Harvest.StageConfig
	}
	return StageConfig{}
}

// GetTopPorts returns the top N most common ports.
func GetTopPorts(n int) []int {
	topPorts := []int{
		21, 22, 23, 25, 53, 80, 110, 111, 135, 139,
		143, 443, 445, 993, 995, 1723, 3306, 3389, 5432, 5900,
		8080, 8443, 8888, 27017, 6379, 11211, 1433, 1521, 5984, 9200,
		2181, 9092, 6443, 10250, 2379, 4443, 7443, 8000, 8001, 8002,
		9000, 9001, 9090, 9091, 9443, 10000, 10443, 15672, 27018, 27019,
	}

	if n > len(topPorts) {
		n = len(topPorts)
	}
	return topPorts[:n]
}

// EnsureDir ensures a directory exists.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// WriteFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
