package telemetry

import "time"

// Snapshot is one full reading of the VPN traffic counters. Every field is
// optional; the upstream sends nulls while no tunnel is up.
type Snapshot struct {
	BytesReceived  *int64   `json:"bytes_received"`
	BytesSent      *int64   `json:"bytes_sent"`
	ConnectedSince *string  `json:"connected_since"`
	Cipher         *string  `json:"cipher"`
	RealIP         *string  `json:"real_ip"`
	SpeedInBps     *float64 `json:"speed_in_bps"`
	SpeedInKbps    *float64 `json:"speed_in_kbps"`
	SpeedOutBps    *float64 `json:"speed_out_bps"`
	SpeedOutKbps   *float64 `json:"speed_out_kbps"`
}

// IsLive reports whether the upstream has an active tunnel. It says
// nothing about the local socket.
func (s Snapshot) IsLive() bool {
	return s.ConnectedSince != nil
}

var sinceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.ANSIC,
}

// Uptime returns how long the tunnel has been up at now. It is false when
// the tunnel is down or the timestamp cannot be read.
func (s Snapshot) Uptime(now time.Time) (time.Duration, bool) {
	if s.ConnectedSince == nil {
		return 0, false
	}
	for _, layout := range sinceLayouts {
		since, err := time.Parse(layout, *s.ConnectedSince)
		if err != nil {
			continue
		}
		d := now.Sub(since)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
