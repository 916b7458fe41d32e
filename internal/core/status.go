package core

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	optPrinterState        = "printer-state"
	optPrinterStateReasons = "printer-state-reasons"
	optMakeAndModel        = "printer-make-and-model"
	optDeviceURI           = "device-uri"
	optMediaSupported      = "media-supported"
	optMediaTypeSupported  = "media-type-supported"
	optColorSupported      = "color-supported"
	optColorModeSupported  = "print-color-mode-supported"
	optSidesSupported      = "sides-supported"
)

var ippStateMap = map[int]Status{
	3: StatusReady,
	4: StatusBusy,
	5: StatusPaused,
}

// Win32 PRINTER_STATUS_* flags.
const (
	winPaused          = 0x00000001
	winError           = 0x00000002
	winPendingDeletion = 0x00000004
	winPaperJam        = 0x00000008
	winPaperOut        = 0x00000010
	winPaperProblem    = 0x00000040
	winOffline         = 0x00000080
	winIOActive        = 0x00000100
	winBusy            = 0x00000200
	winPrinting        = 0x00000400
	winNotAvailable    = 0x00001000
	winWaiting         = 0x00002000
	winProcessing      = 0x00004000
	winInitializing    = 0x00008000
	winWarmingUp       = 0x00010000
	winNoToner         = 0x00040000
	winUserIntervene   = 0x00100000
	winDoorOpen        = 0x00400000
	winServerUnknown   = 0x00800000
)

// Checked in order; the first matching group wins.
var win32StatusMasks = []struct {
	mask   int
	status Status
}{
	{winOffline | winNotAvailable | winServerUnknown, StatusOffline},
	{winError | winPaperJam | winPaperOut | winPaperProblem | winNoToner | winUserIntervene | winDoorOpen, StatusError},
	{winPaused | winPendingDeletion, StatusPaused},
	{winBusy | winPrinting | winProcessing | winWarmingUp | winInitializing | winWaiting | winIOActive, StatusBusy},
}

// DeriveStatus normalizes a raw device status. Reason strings win over the
// numeric code, which can report idle long after a device went away.
func DeriveStatus(d RawDevice) Status {
	if s, ok := statusFromReasons(d.Options[optPrinterStateReasons]); ok {
		return s
	}

	if d.Scheme == SchemeWin32 {
		return statusFromWin32(d.StatusCode)
	}

	code := d.StatusCode
	if v, ok := d.Options[optPrinterState]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			code = n
		}
	}
	if s, ok := ippStateMap[code]; ok {
		return s
	}
	return StatusUnknown
}

func statusFromReasons(raw string) (Status, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "none" {
		return "", false
	}

	var paused, failed bool
	for _, reason := range strings.Split(raw, ",") {
		reason = strings.TrimSpace(reason)
		switch {
		case strings.HasPrefix(reason, "offline"), strings.HasPrefix(reason, "shutdown"),
			strings.HasPrefix(reason, "connecting-to-device"), strings.Contains(reason, "not-connected"):
			return StatusOffline, true
		case strings.HasSuffix(reason, "-error"), strings.Contains(reason, "jam"):
			failed = true
		case strings.HasPrefix(reason, "paused"), strings.HasPrefix(reason, "stopped"):
			paused = true
		}
	}

	switch {
	case failed:
		return StatusError, true
	case paused:
		return StatusPaused, true
	}
	return "", false
}

func statusFromWin32(code int) Status {
	if code == 0 {
		return StatusReady
	}
	for _, m := range win32StatusMasks {
		if code&m.mask != 0 {
			return m.status
		}
	}
	return StatusUnknown
}

func capabilitiesFrom(opts map[string]string) Capabilities {
	caps := Capabilities{
		MediaSizes: splitList(opts[optMediaSupported]),
		MediaTypes: splitList(opts[optMediaTypeSupported]),
	}

	if v, ok := opts[optColorSupported]; ok {
		caps.Color = v == "true" || v == "1"
	}
	if strings.Contains(strings.ToLower(opts[optColorModeSupported]), "color") {
		caps.Color = true
	}
	caps.Duplex = strings.Contains(strings.ToLower(opts[optSidesSupported]), "two-sided")

	return caps
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeModel lowercases and strips everything but letters and digits so
// "HP LaserJet 400" and "hp-laserjet-400" collapse to one key.
func normalizeModel(model string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(model) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var mdnsSuffixes = []string{
	"._ipp._tcp.local.", "._ipps._tcp.local.", "._ipp._tcp.local", "._ipps._tcp.local",
	"._pdl-datastream._tcp.local", "._printer._tcp.local", ".local.", ".local",
}

// deviceIdentifier extracts a transport-independent id from a connection URI:
// USB serial, uuid parameter, or host with mDNS suffixes stripped.
func deviceIdentifier(uri string) string {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return ""
	}

	u, err := url.Parse(uri)
	if err != nil {
		return strings.ToLower(uri)
	}

	q := u.Query()
	if serial := q.Get("serial"); serial != "" {
		return "serial:" + strings.ToLower(serial)
	}
	if id := q.Get("uuid"); id != "" {
		return "uuid:" + strings.ToLower(id)
	}

	host := u.Hostname()
	if decoded, err := url.PathUnescape(host); err == nil {
		host = decoded
	}
	host = strings.ToLower(host)
	for _, suffix := range mdnsSuffixes {
		if strings.HasSuffix(host, suffix) {
			host = strings.TrimSuffix(host, suffix)
			break
		}
	}
	if host != "" {
		return "host:" + host
	}
	return strings.ToLower(uri)
}
