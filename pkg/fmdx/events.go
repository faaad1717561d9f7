package fmdx

// UpdateKind tags an Update. The set is closed; consumers switch over it
// instead of matching on strings.
type UpdateKind int

const (
	// UpdateData carries a full RDS record.
	UpdateData UpdateKind = iota
	// UpdateStatus carries a human-readable connection status line.
	UpdateStatus
	// UpdateStreamStatus carries the restream server status line.
	UpdateStreamStatus
	// UpdateCurrentFrequency carries the tuned frequency in kHz. It is
	// emitted as soon as a frequency is known, without waiting for the
	// consumer to digest the full record.
	UpdateCurrentFrequency
	// UpdateError carries an error report.
	UpdateError
	// UpdateClosed is terminal and emitted exactly once, after the
	// controller has fully stopped.
	UpdateClosed
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateData:
		return "data"
	case UpdateStatus:
		return "status"
	case UpdateStreamStatus:
		return "stream_status"
	case UpdateCurrentFrequency:
		return "current_freq"
	case UpdateError:
		return "error"
	case UpdateClosed:
		return "closed"
	}
	return "unknown"
}

// Update is one controller→consumer notification. Only the payload field
// matching Kind is set.
type Update struct {
	Kind    UpdateKind
	Record  *Record
	Text    string
	FreqKHz int
}

func DataUpdate(rec *Record) Update      { return Update{Kind: UpdateData, Record: rec} }
func StatusUpdate(text string) Update    { return Update{Kind: UpdateStatus, Text: text} }
func StreamStatus(text string) Update    { return Update{Kind: UpdateStreamStatus, Text: text} }
func FrequencyUpdate(khz int) Update     { return Update{Kind: UpdateCurrentFrequency, FreqKHz: khz} }
func ErrorUpdate(text string) Update     { return Update{Kind: UpdateError, Text: text} }
func ClosedUpdate() Update               { return Update{Kind: UpdateClosed} }

// Command is one consumer→controller request. Stop is the shutdown sentinel
// used to wake a blocked listener; it is only sent during teardown.
type Command struct {
	FreqKHz int
	Stop    bool
}

// TuneRequest builds a tune command for a target frequency in kHz.
func TuneRequest(khz int) Command { return Command{FreqKHz: khz} }

// StopCommand is the queue sentinel that unblocks the command listener.
func StopCommand() Command { return Command{Stop: true} }
