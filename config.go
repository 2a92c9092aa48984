package tpmzfs

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is read once at start-up and passed down by value.
type Config struct {
	PassphraseHelper string // shell command line, empty to always prompt on the terminal
	TPM1XHost        string // host:port of a TPM 1.2 command socket; overrides TPM1XDevice
	TPM1XDevice      string
	TPM2Path         string // device path or host:port of a swtpm
	PropertyPrefix   string
	ZFSBinary        string
	LogLevel         string
}

const (
	KeyPassphraseHelper = "passphrase_helper"
	KeyTPM1X            = "tpm1x"
	KeyTPM1XDevice      = "tpm1x_device"
	KeyTPM2Path         = "tpm2_path"
	KeyPropertyPrefix   = "property_prefix"
	KeyZFSBinary        = "zfs_binary"
	KeyLogLevel         = "log_level"
)

// SetDefaults registers the defaults and environment binding on v.
// Every key is also readable as TZPFMS_<KEY>.
func SetDefaults(v *viper.Viper) {
	v.SetEnvPrefix("TZPFMS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyPassphraseHelper, "")
	v.SetDefault(KeyTPM1X, "")
	v.SetDefault(KeyTPM1XDevice, "/dev/tpm0")
	v.SetDefault(KeyTPM2Path, "/dev/tpmrm0")
	v.SetDefault(KeyPropertyPrefix, DefaultPropertyPrefix)
	v.SetDefault(KeyZFSBinary, "zfs")
	v.SetDefault(KeyLogLevel, "warn")
}

// NewConfig snapshots v into a validated Config.
func NewConfig(v *viper.Viper) (Config, error) {
	c := Config{
		PassphraseHelper: v.GetString(KeyPassphraseHelper),
		TPM1XHost:        v.GetString(KeyTPM1X),
		TPM1XDevice:      v.GetString(KeyTPM1XDevice),
		TPM2Path:         v.GetString(KeyTPM2Path),
		PropertyPrefix:   v.GetString(KeyPropertyPrefix),
		ZFSBinary:        v.GetString(KeyZFSBinary),
		LogLevel:         v.GetString(KeyLogLevel),
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate fills in empty fields with defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.TPM1XDevice == "" {
		c.TPM1XDevice = "/dev/tpm0"
	}
	if c.TPM2Path == "" {
		c.TPM2Path = "/dev/tpmrm0"
	}
	if c.PropertyPrefix == "" {
		c.PropertyPrefix = DefaultPropertyPrefix
	}
	if c.ZFSBinary == "" {
		c.ZFSBinary = "zfs"
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if !strings.Contains(c.PropertyPrefix, ":") {
		return Errorf(KindUsage, "config", "property prefix %q must contain a ':' to name a ZFS user property", c.PropertyPrefix)
	}
	if strings.HasSuffix(c.PropertyPrefix, ".") {
		return Errorf(KindUsage, "config", "property prefix %q must not end in '.'", c.PropertyPrefix)
	}
	return nil
}

// TPM1XPath is where the TPM1.x backend connects.
func (c Config) TPM1XPath() string {
	if c.TPM1XHost != "" {
		return c.TPM1XHost
	}
	return c.TPM1XDevice
}

func (c Config) BackendProperty() string { return fmt.Sprintf("%s.backend", c.PropertyPrefix) }
func (c Config) KeyProperty() string     { return fmt.Sprintf("%s.key", c.PropertyPrefix) }
