package fmdx

import (
	"fmt"
	"strconv"
	"strings"
)

// FM band limits and tuning step, in kHz.
const (
	MinFreqKHz  = 87500
	MaxFreqKHz  = 108000
	FreqStepKHz = 100
)

// WebSocket endpoint paths on the FM-DX webserver.
const (
	TextPath  = "/text"
	AudioPath = "/audio"
)

// ParseMHz converts a frequency string in MHz to kHz. Both comma and dot
// decimal separators are accepted. Values outside the FM band are rejected.
func ParseMHz(s string) (int, error) {
	mhz, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", "."), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frequency %q", s)
	}
	khz := int(mhz * 1000)
	if khz < MinFreqKHz || khz > MaxFreqKHz {
		return 0, fmt.Errorf("frequency %q outside FM band", s)
	}
	return khz, nil
}

// FormatKHz renders a kHz frequency as an MHz string with three decimals,
// matching the server's display format.
func FormatKHz(khz int) string {
	if khz <= 0 {
		return "N/A"
	}
	return strconv.FormatFloat(float64(khz)/1000, 'f', 3, 64)
}

// TuneCommand encodes the upstream tune request for the text socket.
func TuneCommand(khz int) string {
	return "T" + strconv.Itoa(khz)
}
