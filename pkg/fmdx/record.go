package fmdx

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Number is a float64 that tolerates the server's loose typing: the same
// field may arrive as a JSON number, a numeric string, or be absent.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// TxInfo describes the transmitter the server believes it is receiving.
type TxInfo struct {
	Name         string `json:"tx"`
	City         string `json:"city"`
	ITU          string `json:"itu"`
	ERP          Number `json:"erp"`
	Polarization string `json:"pol"`
	DistanceKM   Number `json:"dist"`
	Azimuth      Number `json:"azi"`
}

// Record is one RDS/state message from the text socket. Field names follow
// the FM-DX webserver JSON schema.
type Record struct {
	Freq       string `json:"freq"`
	PI         string `json:"pi"`
	PS         string `json:"ps"`
	PTY        int    `json:"pty"`
	TP         int    `json:"tp"`
	TA         int    `json:"ta"`
	MS         int    `json:"ms"`
	Stereo     int    `json:"st"`
	RT0        string `json:"rt0"`
	RT1        string `json:"rt1"`
	Signal     Number `json:"sig"`
	SignalPeak Number `json:"sigTop"`
	Users      Number `json:"users"`
	TxInfo     TxInfo `json:"txInfo"`
}

// FreqKHz extracts the tuned frequency from the record, or 0 when the field
// is missing or out of band.
func (r *Record) FreqKHz() int {
	if r.Freq == "" {
		return 0
	}
	khz, err := ParseMHz(r.Freq)
	if err != nil {
		return 0
	}
	return khz
}

// Station returns the program service name, trimmed, or "----" when the
// station has not transmitted one yet.
func (r *Record) Station() string {
	if ps := strings.TrimSpace(r.PS); ps != "" {
		return ps
	}
	return "----"
}

// ParseRecord decodes one text-socket message.
func ParseRecord(b []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
