package core

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the immutable, process-wide configuration, constructed once
// during process initialization and passed by reference to every
// component. It mirrors the layout of the confsyncd.yaml file Load reads.
type Config struct {
	Listen struct {
		Addr           string        `mapstructure:"addr" json:"addr"`
		Port           int           `mapstructure:"port" json:"port"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
		RecvTimeout    time.Duration `mapstructure:"recv_timeout" json:"recv_timeout"`
	} `mapstructure:"listen" json:"listen"`

	Paths struct {
		WorkDir string `mapstructure:"work_dir" json:"work_dir"`
	} `mapstructure:"paths" json:"paths"`

	Auth struct {
		NonceLength     int      `mapstructure:"nonce_length" json:"nonce_length"`
		DefaultCipher   byte     `mapstructure:"default_cipher" json:"default_cipher"`
		TrustKeysFrom   []string `mapstructure:"trust_keys_from" json:"trust_keys_from"`
		RequireIdentify bool     `mapstructure:"require_identify" json:"require_identify"`
	} `mapstructure:"auth" json:"auth"`

	Lastseen struct {
		ForgetRate    float64       `mapstructure:"forget_rate" json:"forget_rate"`
		GCHorizon     time.Duration `mapstructure:"gc_horizon" json:"gc_horizon"`
		ScanBatchSize int           `mapstructure:"scan_batch_size" json:"scan_batch_size"`
	} `mapstructure:"lastseen" json:"lastseen"`

	Clock struct {
		DriftThreshold time.Duration `mapstructure:"drift_threshold" json:"drift_threshold"`
		DenyBadClocks  bool          `mapstructure:"deny_bad_clocks" json:"deny_bad_clocks"`
	} `mapstructure:"clock" json:"clock"`

	Access struct {
		RulesFile string `mapstructure:"rules_file" json:"rules_file"`
	} `mapstructure:"access" json:"access"`

	Limits struct {
		MaxFrameLen     int `mapstructure:"max_frame_len" json:"max_frame_len"`
		MaxParallelJobs int `mapstructure:"max_parallel_jobs" json:"max_parallel_jobs"`
	} `mapstructure:"limits" json:"limits"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// DefaultPort is the protocol's default TCP port (the cfenginehub service
// entry in /etc/services).
const DefaultPort = 5308

// Default returns a Config populated with the protocol defaults: 5 s
// receive timeout, 128-byte nonces, forget-rate 0.6, 65400-byte frame
// ceiling, 50-way background fan-out ceiling.
func Default() *Config {
	var c Config
	c.Listen.Addr = "0.0.0.0"
	c.Listen.Port = DefaultPort
	c.Listen.ConnectTimeout = 30 * time.Second
	c.Listen.RecvTimeout = 5 * time.Second
	c.Paths.WorkDir = workDirFromEnv()
	c.Auth.NonceLength = 128
	c.Auth.DefaultCipher = 'c'
	c.Auth.RequireIdentify = true
	c.Lastseen.ForgetRate = 0.6
	c.Lastseen.GCHorizon = 30 * 24 * time.Hour
	c.Lastseen.ScanBatchSize = 256
	c.Clock.DriftThreshold = 15 * time.Minute
	c.Clock.DenyBadClocks = true
	c.Access.RulesFile = filepath.Join(c.Paths.WorkDir, "confsyncd.rules")
	c.Limits.MaxFrameLen = 65400
	c.Limits.MaxParallelJobs = 50
	c.Logging.Level = "info"
	return &c
}

func workDirFromEnv() string {
	if v, ok := os.LookupEnv("CFENGINE_WORKDIR"); ok && v != "" {
		return v
	}
	return "/var/cfengine"
}

// PPKeysDir returns the directory holding the peer public/private key files.
func (c *Config) PPKeysDir() string { return filepath.Join(c.Paths.WorkDir, "ppkeys") }

// StateDir returns the directory holding the lastseen store and randseed.
func (c *Config) StateDir() string { return filepath.Join(c.Paths.WorkDir, "state") }

// LastseenPath returns the path to the lastseen key-value database.
func (c *Config) LastseenPath() string { return filepath.Join(c.StateDir(), "cf_lastseen.lmdb") }

// RandSeedPath returns the path to the RNG seed file written after key
// generation.
func (c *Config) RandSeedPath() string { return filepath.Join(c.StateDir(), "randseed") }

// PrivateKeyPath returns this host's own private key path.
func (c *Config) PrivateKeyPath() string { return filepath.Join(c.PPKeysDir(), "localhost.priv") }

// PublicKeyPath returns this host's own public key path.
func (c *Config) PublicKeyPath() string { return filepath.Join(c.PPKeysDir(), "localhost.pub") }

// Load reads configuration files (named "confsyncd" by default) merged
// with environment-specific overrides. A .env file alongside the process
// or in /etc/confsyncd is folded into the environment first, so its
// entries are visible to AutomaticEnv.
func Load(env string) (*Config, error) {
	cfg := Default()

	_ = godotenv.Load(".env")
	_ = godotenv.Load("/etc/confsyncd/.env")

	viper.SetConfigName("confsyncd")
	viper.AddConfigPath("/etc/confsyncd")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("CONFSYNCD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, Wrap(err, "load config")
		}
	}
	if env != "" {
		viper.SetConfigName(fmt.Sprintf("confsyncd.%s", env))
		if err := viper.MergeInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, Wrap(err, "unmarshal config")
	}
	return cfg, nil
}

// LoadFromEnv loads configuration using the CONFSYNCD_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv("CONFSYNCD_ENV"))
}

// ParseTrustList splits the configured trust-keys-from entries into
// individually matchable net.IPNet values and bare-IP strings.
func ParseTrustList(entries []string) []TrustEntry {
	out := make([]TrustEntry, 0, len(entries))
	for _, e := range entries {
		if _, ipnet, err := net.ParseCIDR(e); err == nil {
			out = append(out, TrustEntry{CIDR: ipnet})
			continue
		}
		out = append(out, TrustEntry{IP: e})
	}
	return out
}

// TrustEntry is one parsed entry of the trust-keys-from allowlist; it
// names either a single IP or a CIDR range.
type TrustEntry struct {
	IP   string
	CIDR *net.IPNet
}

// Matches reports whether ip (parsed) satisfies this trust entry.
func (t TrustEntry) Matches(ip net.IP) bool {
	if t.CIDR != nil {
		return t.CIDR.Contains(ip)
	}
	return t.IP == ip.String()
}
