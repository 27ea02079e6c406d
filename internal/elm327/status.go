package elm327

// Status is the outcome of one non-blocking request step.
type Status int

const (
	StatusSuccess Status = iota
	StatusGettingMsg
	StatusNoResponse
	StatusBufferOverflow
	StatusGarbage
	StatusUnableToConnect
	StatusNoData
	StatusStopped
	StatusTimeout
	StatusGeneralError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusGettingMsg:
		return "getting message"
	case StatusNoResponse:
		return "no response"
	case StatusBufferOverflow:
		return "buffer overflow"
	case StatusGarbage:
		return "garbage"
	case StatusUnableToConnect:
		return "unable to connect"
	case StatusNoData:
		return "no data"
	case StatusStopped:
		return "stopped"
	case StatusTimeout:
		return "timeout"
	case StatusGeneralError:
		return "general error"
	}
	return "unknown"
}

// StatusError carries a failed request status through error returns.
type StatusError struct {
	Command string
	Status  Status
	Raw     string
}

func (e *StatusError) Error() string {
	if e.Raw != "" {
		return e.Command + ": " + e.Status.String() + " (" + e.Raw + ")"
	}
	return e.Command + ": " + e.Status.String()
}
