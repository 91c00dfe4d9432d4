package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config holds all receiver settings: NAT-traversal servers, transport ports,
// the signaling directory endpoint, and the ambient logging/reconnect knobs.
type Config struct {
	SignalingURL       string `mapstructure:"signaling_url"`
	SignalingAuthToken string `mapstructure:"signaling_auth_token"`

	ListenPort        int `mapstructure:"listen_port"`         // local UDP port the assembler reads from
	ServerInputPort   int `mapstructure:"server_input_port"`   // host port input events are sent to
	ServerVideoPort   int `mapstructure:"server_video_port"`   // host port the data channel targets
	ServerControlPort int `mapstructure:"server_control_port"` // host TCP port for registration/heartbeat/auth

	STUNServers []string `mapstructure:"stun_servers"`

	TURNServer   string `mapstructure:"turn_server"` // host:port
	TURNUsername string `mapstructure:"turn_username"`
	TURNPassword string `mapstructure:"turn_password"`
	TURNRealm    string `mapstructure:"turn_realm"`

	ReconnectBaseMs       int     `mapstructure:"reconnect_base_ms"`
	ReconnectMultiplier   float64 `mapstructure:"reconnect_multiplier"`
	ReconnectMaxMs        int     `mapstructure:"reconnect_max_ms"`
	ReconnectMaxAttempts  int     `mapstructure:"reconnect_max_attempts"`
	ConnectionTimeoutMs   int     `mapstructure:"connection_timeout_ms"`

	FrameTimeoutDirectMs     int `mapstructure:"frame_timeout_direct_ms"`
	FrameTimeoutTurnMs       int `mapstructure:"frame_timeout_turn_ms"`
	KeyFrameRequestThreshold int `mapstructure:"keyframe_request_threshold"`

	InputMinIntervalMs int `mapstructure:"input_min_interval_ms"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		ListenPort:        5000,
		ServerInputPort:   5001,
		ServerVideoPort:   5002,
		ServerControlPort: 5003,

		STUNServers: []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
			"stun2.l.google.com:19302",
			"stun3.l.google.com:19302",
			"stun4.l.google.com:19302",
		},
		TURNRealm: "receiver",

		ReconnectBaseMs:      1000,
		ReconnectMultiplier:  1.5,
		ReconnectMaxMs:       30000,
		ReconnectMaxAttempts: 5,
		ConnectionTimeoutMs:  15000,

		FrameTimeoutDirectMs:     200,
		FrameTimeoutTurnMs:       2000,
		KeyFrameRequestThreshold: 5,

		InputMinIntervalMs: 30,

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("receiver")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RECEIVER")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("config has invalid values: %v", errs[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("signaling_url", cfg.SignalingURL)
	viper.Set("signaling_auth_token", cfg.SignalingAuthToken)
	viper.Set("listen_port", cfg.ListenPort)
	viper.Set("server_input_port", cfg.ServerInputPort)
	viper.Set("server_video_port", cfg.ServerVideoPort)
	viper.Set("stun_servers", cfg.STUNServers)
	viper.Set("turn_server", cfg.TURNServer)
	viper.Set("turn_username", cfg.TURNUsername)
	viper.Set("turn_realm", cfg.TURNRealm)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "receiver.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Contains the TURN/signaling credentials; owner-only.
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for the receiver.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Receiver", "data")
	case "darwin":
		return "/Library/Application Support/Receiver/data"
	default:
		return "/var/lib/receiver"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Receiver")
	case "darwin":
		return "/Library/Application Support/Receiver"
	default:
		return "/etc/receiver"
	}
}
