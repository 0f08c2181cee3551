package config

import (
	"os"

	"github.com/kkyr/fig"
)

const EnvPrefix = "PEERBROKER"

// LoadConfig loads the broker configuration file into the given struct.
// The path param specifies a custom directory with the configuration file.
// Environment variables with the PEERBROKER_ prefix override file values,
// nested keys are joined with _.
func LoadConfig(config any, path string) error {
	dirs := []string{path}
	if path == "" {
		dirs = append(dirs, ".", "configs", "../../../configs")
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, home+"/.peerbroker")
		}
	}
	return fig.Load(config, fig.File("broker.yaml"), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
}

func LoadConfigEnv(config any) error {
	return fig.Load(config, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
}
