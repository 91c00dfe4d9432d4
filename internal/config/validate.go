package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"warning": true,
	"error": true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would cause panics are clamped to safe defaults;
// the clamp itself is still reported so the operator notices.
func (c *Config) Validate() []error {
	var errs []error

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen_port %d out of range, clamping to 5000", c.ListenPort))
		c.ListenPort = 5000
	}
	if c.ServerInputPort < 1 || c.ServerInputPort > 65535 {
		errs = append(errs, fmt.Errorf("server_input_port %d out of range, clamping to 5001", c.ServerInputPort))
		c.ServerInputPort = 5001
	}

	if len(c.STUNServers) == 0 {
		errs = append(errs, fmt.Errorf("stun_servers is empty, falling back to defaults"))
		c.STUNServers = Default().STUNServers
	}
	for _, s := range c.STUNServers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			errs = append(errs, fmt.Errorf("stun server %q is not host:port: %w", s, err))
		}
	}

	if c.TURNServer != "" {
		if _, _, err := net.SplitHostPort(c.TURNServer); err != nil {
			errs = append(errs, fmt.Errorf("turn_server %q is not host:port: %w", c.TURNServer, err))
		}
	}

	if c.ReconnectBaseMs < 1 {
		errs = append(errs, fmt.Errorf("reconnect_base_ms %d below minimum 1, clamping", c.ReconnectBaseMs))
		c.ReconnectBaseMs = 1000
	}
	if c.ReconnectMultiplier < 1.0 {
		errs = append(errs, fmt.Errorf("reconnect_multiplier %.2f below minimum 1.0, clamping", c.ReconnectMultiplier))
		c.ReconnectMultiplier = 1.5
	}
	if c.ReconnectMaxMs < c.ReconnectBaseMs {
		errs = append(errs, fmt.Errorf("reconnect_max_ms %d below reconnect_base_ms %d, clamping", c.ReconnectMaxMs, c.ReconnectBaseMs))
		c.ReconnectMaxMs = 30000
	}
	if c.ReconnectMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("reconnect_max_attempts %d below minimum 1, clamping", c.ReconnectMaxAttempts))
		c.ReconnectMaxAttempts = 5
	}

	if c.FrameTimeoutDirectMs < 1 {
		errs = append(errs, fmt.Errorf("frame_timeout_direct_ms %d below minimum 1, clamping", c.FrameTimeoutDirectMs))
		c.FrameTimeoutDirectMs = 200
	}
	if c.FrameTimeoutTurnMs < c.FrameTimeoutDirectMs {
		errs = append(errs, fmt.Errorf("frame_timeout_turn_ms %d below frame_timeout_direct_ms %d, clamping", c.FrameTimeoutTurnMs, c.FrameTimeoutDirectMs))
		c.FrameTimeoutTurnMs = 2000
	}
	if c.KeyFrameRequestThreshold < 1 {
		errs = append(errs, fmt.Errorf("keyframe_request_threshold %d below minimum 1, clamping", c.KeyFrameRequestThreshold))
		c.KeyFrameRequestThreshold = 5
	}

	if c.InputMinIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("input_min_interval_ms %d is negative, clamping to 0", c.InputMinIntervalMs))
		c.InputMinIntervalMs = 0
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
