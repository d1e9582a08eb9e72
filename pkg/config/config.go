package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".tether"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the
// config file.
type Config struct {
	// Backend is the default backend used when no --backend flag is given.
	Backend string `yaml:"backend"`

	// EventQueueCapacity is the initial capacity of listener event queues.
	EventQueueCapacity int `yaml:"event-queue-capacity,omitempty"`

	// ResumeTimeout is the number of seconds a synchronous resume waits
	// for the next public stop event before giving up.
	ResumeTimeout int `yaml:"resume-timeout,omitempty"`

	// HaltTimeout is the number of seconds Halt waits for the backend to
	// report the interrupt stop before giving up.
	HaltTimeout int `yaml:"halt-timeout,omitempty"`

	// VerifyBreakpointWrites makes breakpoint site enabling re-read the
	// trap opcode after writing it.
	VerifyBreakpointWrites *bool `yaml:"verify-breakpoint-writes,omitempty"`

	// LogLayers is a comma separated list of components that should
	// produce debug output when logging is enabled.
	LogLayers string `yaml:"log-layers,omitempty"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the tether debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Default backend used when no --backend flag is given.
# backend: default

# Initial capacity of listener event queues.
# event-queue-capacity: 16

# Seconds a synchronous resume waits for the next public stop event.
# resume-timeout: 0

# Seconds Halt waits for the interrupt stop reported by the backend.
# halt-timeout: 20

# Re-read trap opcodes after writing them to verify breakpoint insertion.
# verify-breakpoint-writes: true

# Comma separated list of components that produce debug output when
# logging is enabled.
# log-layers: control
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
