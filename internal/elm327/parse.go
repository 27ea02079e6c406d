package elm327

import (
	"encoding/hex"
	"strings"
)

// parseResponse classifies the text received before the prompt.
func parseResponse(cmd, raw string) Response {
	text := cleanLines(raw)
	resp := Response{Command: cmd, Raw: text}
	upper := strings.ToUpper(text)

	switch {
	case text == "":
		resp.Status = StatusNoResponse
	case strings.Contains(upper, "NO DATA"):
		resp.Status = StatusNoData
	case strings.Contains(upper, "UNABLE TO CONNECT"):
		resp.Status = StatusUnableToConnect
	case strings.Contains(upper, "BUFFER FULL"):
		resp.Status = StatusBufferOverflow
	case strings.Contains(upper, "STOPPED"):
		resp.Status = StatusStopped
	case upper == "?" || strings.Contains(upper, "ERROR"):
		resp.Status = StatusGeneralError
	default:
		resp.Status = StatusSuccess
	}
	if resp.Status != StatusSuccess || strings.HasPrefix(strings.ToUpper(cmd), "AT") {
		return resp
	}

	data, ok := pidPayload(cmd, text)
	if !ok {
		resp.Status = StatusGarbage
		return resp
	}
	resp.Data = data
	return resp
}

// cleanLines drops the echo of an AT command, SEARCHING... and blank lines and
// joins the rest with newlines.
func cleanLines(raw string) string {
	var out []string
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' }) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(strings.ToUpper(line), "SEARCHING") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// pidPayload finds the first line answering cmd ("010C" expects "410C...") and
// returns the bytes after the header.
func pidPayload(cmd, text string) ([]byte, bool) {
	if len(cmd) < 4 {
		return nil, false
	}
	mode, err := hex.DecodeString(cmd[:2])
	if err != nil {
		return nil, false
	}
	header := strings.ToUpper(hex.EncodeToString([]byte{mode[0] + 0x40}) + cmd[2:4])

	for _, line := range strings.Split(text, "\n") {
		compact := strings.ToUpper(strings.ReplaceAll(line, " ", ""))
		// CAN multi-frame responses may prefix a frame index such as "0:"
		if i := strings.IndexByte(compact, ':'); i >= 0 && i < 3 {
			compact = compact[i+1:]
		}
		idx := strings.Index(compact, header)
		if idx < 0 {
			continue
		}
		payload := compact[idx+len(header):]
		if len(payload)%2 != 0 {
			payload = payload[:len(payload)-1]
		}
		data, err := hex.DecodeString(payload)
		if err != nil {
			continue
		}
		return data, true
	}
	return nil, false
}
