package app

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/barryq93/promHANA/internal/types"
	"github.com/barryq93/promHANA/internal/utils"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddress   = "0.0.0.0"
	DefaultExpositionPort  = 9668
	DefaultTimeout         = 30
	DefaultHanaPort        = 30013
	DefaultShutdownTimeout = 30

	envDevelopment = "development"
	envProduction  = "production"
)

// ConfigDirs are searched, in order, for identifier configurations and the
// default metrics file.
var ConfigDirs = []string{"/etc/hanadb_exporter", "/usr/etc/hanadb_exporter"}

var configExtensions = []string{".json", ".yaml", ".yml"}

// ErrNoConfigFile is returned when a lookup finds no candidate file.
var ErrNoConfigFile = errors.New("configuration file does not exist")

func defaultConfig() types.Config {
	return types.Config{
		ListenAddress:  DefaultListenAddress,
		ExpositionPort: DefaultExpositionPort,
		MultiTenant:    true,
		Timeout:        DefaultTimeout,
		Hana:           types.Hana{Port: DefaultHanaPort},
		Logging:        types.Logging{Level: "INFO", Format: "json", MaxSize: 100, MaxBackups: 3, MaxAge: 28},
		Server:         types.Server{ShutdownTimeout: DefaultShutdownTimeout},
	}
}

// LoadConfig reads the configuration file, applies .env and environment
// overrides, decrypts the secrets and validates the result.
func LoadConfig(path string, log *logrus.Entry) (types.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debugf(".env file not loaded: %v", err)
	}

	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading configuration file")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, errors.Wrapf(err, "configuration file %s is malformed", path)
	}

	applyEnv(&cfg)

	if err := decryptSecrets(&cfg, log); err != nil {
		return cfg, err
	}

	if cfg.Logging.FileEnabled && cfg.Logging.LogFile == "" {
		cfg.Logging.LogFile = utils.DefaultLogFile(cfg.Hana.Host, cfg.Hana.Port)
	}

	if err := utils.ValidateStruct(cfg); err != nil {
		return cfg, errors.Wrapf(err, "configuration file %s is malformed", path)
	}
	return cfg, nil
}

func applyEnv(cfg *types.Config) {
	overrides := []struct {
		name   string
		target *string
	}{
		{"HANA_USER", &cfg.Hana.User},
		{"HANA_PASSWORD", &cfg.Hana.Password},
		{"HANA_USERKEY", &cfg.Hana.UserKey},
		{"HANADB_EXPORTER_ENCRYPTION_KEY", &cfg.EncryptionKey},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			*o.target = v
		}
	}
	if cfg.Env == "" {
		cfg.Env = os.Getenv("ENV")
	}
}

// decryptSecrets replaces the encrypted passwords with their plain text. In
// production an encryption key makes plain text passwords an error.
func decryptSecrets(cfg *types.Config, log *logrus.Entry) error {
	if cfg.Env == "" {
		cfg.Env = envProduction
		log.Warn("Environment not specified in config or ENV; defaulting to production")
	}
	if cfg.EncryptionKey == "" {
		return nil
	}
	isDev := cfg.Env == envDevelopment
	key := []byte(cfg.EncryptionKey)

	secrets := []struct {
		field string
		value *string
	}{
		{"hana.password", &cfg.Hana.Password},
		{"basic_auth.password", &cfg.BasicAuth.Password},
	}
	for _, s := range secrets {
		if *s.value == "" {
			continue
		}
		if !utils.IsEncrypted(*s.value) {
			if !isDev {
				return errors.Errorf("%s must be encrypted in production", s.field)
			}
			continue
		}
		decrypted, err := utils.Decrypt(key, *s.value)
		if err != nil {
			if !isDev {
				return errors.Wrapf(err, "failed to decrypt %s", s.field)
			}
			log.WithError(err).Warnf("%s could not be decrypted, using it as plain text", s.field)
			continue
		}
		*s.value = decrypted
	}
	return nil
}

// LookupConfigFile returns the first existing <dir>/<identifier>.<ext> file.
func LookupConfigFile(identifier string) (string, error) {
	var candidates []string
	for _, dir := range ConfigDirs {
		for _, ext := range configExtensions {
			candidates = append(candidates, filepath.Join(dir, identifier+ext))
		}
	}
	return lookupFile(candidates)
}

// LookupMetricsFile returns path when set, else the first existing default
// metrics file.
func LookupMetricsFile(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	candidates := make([]string, 0, len(ConfigDirs))
	for _, dir := range ConfigDirs {
		candidates = append(candidates, filepath.Join(dir, "metrics.json"))
	}
	return lookupFile(candidates)
}

func lookupFile(candidates []string) (string, error) {
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", errors.Wrapf(ErrNoConfigFile, "in %s", strings.Join(candidates, ","))
}
