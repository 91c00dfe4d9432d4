// Package model holds session-level data types shared across the receiver:
// the telemetry snapshot reported by the host and consumed verbatim by
// observers, per spec.md §9's guidance to keep these fields as plain
// strings rather than freezing them into enums that would need updating
// every time the host adds a new codec or profile name.
package model

// OmniscientState is the host's self-reported encode/network telemetry,
// decoded from the control channel and handed to observers unmodified.
type OmniscientState struct {
	EngineMode       string  `json:"engine_mode"`
	CodecName        string  `json:"codec_name"`
	ProfileName      string  `json:"profile_name"`
	HostFPS          float64 `json:"host_fps"`
	HostBitrateBps   int64   `json:"host_bitrate_bps"`
	NetworkRTTMs     float64 `json:"network_rtt_ms"`
	NetworkLossPct   float64 `json:"network_loss_pct"`
	ClientDecodeMs   float64 `json:"client_decode_ms"`
	TargetBitrateBps int64   `json:"target_bitrate_bps"`
	TargetFPS        int     `json:"target_fps"`
}
