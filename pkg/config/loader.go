package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/docflow/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. DOCFLOW_PIPELINE_CHUNK_SIZE.
const EnvPrefix = "DOCFLOW"

// Loader layers defaults, an optional YAML file, DOCFLOW_* environment
// variables and bound command-line flags, in increasing priority.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader seeded with Default().
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlag overrides key with flag when the flag is set on the command line.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return nil
	}
	return l.v.BindPFlag(key, flag)
}

// Load builds and validates the effective configuration. path may be empty.
func (l *Loader) Load(path string) (Config, error) {
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return Config{}, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode defaults")
	}
	l.v.SetConfigType("yaml")
	if err := l.v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, errors.Wrap(err, errors.ErrorTypeInternal, "failed to seed defaults")
	}

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			return Config{}, errors.Wrap(err, errors.ErrorTypeInvalidConfiguration, "failed to read config file").
				WithDetail(errors.DetailPath, path)
		}
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "json" {
			l.v.SetConfigType("json")
		}
		if err := l.v.MergeConfig(strings.NewReader(substituteEnvVars(string(data)))); err != nil {
			return Config{}, errors.Wrap(err, errors.ErrorTypeInvalidConfiguration, "failed to parse config file").
				WithDetail(errors.DetailPath, path)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.ErrorTypeInvalidConfiguration, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load is a convenience for NewLoader().Load(path) without flag bindings.
func Load(path string) (Config, error) {
	return NewLoader().Load(path)
}

// Dump writes cfg as YAML.
func Dump(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return enc.Close()
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
