// Package cups enumerates and prints through the CUPS command line tools.
package cups

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/orrn/boothspool/internal/core"
)

// IPP attribute names as reported by lpoptions.
const (
	attrState     = "printer-state"
	attrInfo      = "printer-info"
	attrLocation  = "printer-location"
	attrMedia     = "media-supported"
	attrMediaType = "media-type-supported"
	attrColorMode = "print-color-mode-supported"
	attrSides     = "sides-supported"
)

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

type Driver struct {
	run Runner
	log zerolog.Logger
}

type Option func(*Driver)

func WithRunner(r Runner) Option {
	return func(d *Driver) { d.run = r }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Driver) { d.log = l.With().Str("component", "cups").Logger() }
}

func New(opts ...Option) *Driver {
	d := &Driver{run: execRunner, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// Enumerate lists every CUPS destination with its attributes and driver choices.
func (d *Driver) Enumerate(ctx context.Context) ([]core.RawDevice, error) {
	out, err := d.run(ctx, "lpstat", "-e")
	if err != nil {
		if bytes.Contains(out, []byte("No destinations")) || strings.Contains(err.Error(), "No destinations") {
			return nil, nil
		}
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	names := parseDestinations(out)
	if len(names) == 0 {
		return nil, nil
	}

	var def string
	if out, err := d.run(ctx, "lpstat", "-d"); err == nil {
		def = parseDefault(out)
	} else {
		d.log.Debug().Err(err).Msg("default destination unavailable")
	}

	devices := make([]core.RawDevice, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := d.run(ctx, "lpoptions", "-p", name)
		if err != nil {
			d.log.Warn().Err(err).Str("printer", name).Msg("printer attributes unavailable")
			out = nil
		}
		attrs := parseOptions(out)

		if out, err := d.run(ctx, "lpoptions", "-p", name, "-l"); err == nil {
			for k, v := range parseChoices(out) {
				attrs[k] = v
			}
		} else {
			d.log.Debug().Err(err).Str("printer", name).Msg("driver choices unavailable")
		}

		devices = append(devices, toDevice(name, name == def, attrs))
	}
	return devices, nil
}

func toDevice(name string, isDefault bool, attrs map[string]string) core.RawDevice {
	dev := core.RawDevice{
		Name:        name,
		DisplayName: attrs[attrInfo],
		Description: attrs[attrLocation],
		Scheme:      core.SchemeIPP,
		IsDefault:   isDefault,
		Options:     attrs,
	}
	if dev.DisplayName == "" {
		dev.DisplayName = name
	}
	if n, err := strconv.Atoi(attrs[attrState]); err == nil {
		dev.StatusCode = n
	}
	return dev
}

// Print submits req to lp. A non-zero exit is reported as an error carrying
// lp's stderr.
func (d *Driver) Print(ctx context.Context, req core.PrintRequest) (bool, error) {
	if req.Path == "" {
		return false, errors.New("no file to print")
	}
	out, err := d.run(ctx, "lp", printArgs(req)...)
	if err != nil {
		return false, err
	}
	d.log.Debug().Str("printer", req.Printer).Str("path", req.Path).
		Str("request", strings.TrimSpace(string(out))).Msg("print submitted")
	return true, nil
}

var orientations = map[string]string{
	"portrait":          "3",
	"landscape":         "4",
	"reverse-landscape": "5",
	"reverse-portrait":  "6",
}

func printArgs(req core.PrintRequest) []string {
	copies := req.Copies
	if copies < 1 {
		copies = 1
	}
	args := []string{"-n", strconv.Itoa(copies)}
	if req.Printer != "" {
		args = append([]string{"-d", req.Printer}, args...)
	}
	if req.PaperSize != "" {
		args = append(args, "-o", "media="+req.PaperSize)
	}
	if o, ok := orientations[strings.ToLower(req.Orientation)]; ok {
		args = append(args, "-o", "orientation-requested="+o)
	}
	if req.Color {
		args = append(args, "-o", "print-color-mode=color")
	}
	if req.Silent {
		args = append(args, "-s")
	}
	return append(args, "--", req.Path)
}

func parseDestinations(out []byte) []string {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// parseDefault reads "system default destination: NAME".
func parseDefault(out []byte) string {
	line := strings.TrimSpace(string(out))
	if i := strings.LastIndex(line, ":"); i >= 0 && strings.Contains(line, "default destination") {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}

// parseOptions splits lpoptions' "key=value key='quoted value'" output.
func parseOptions(out []byte) map[string]string {
	attrs := make(map[string]string)
	s := strings.TrimSpace(string(out))
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t\n")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var val strings.Builder
		var quote byte
		i := 0
	scan:
		for ; i < len(s); i++ {
			c := s[i]
			switch {
			case quote != 0 && c == quote:
				quote = 0
			case quote == 0 && (c == '\'' || c == '"'):
				quote = c
			case c == '\\' && i+1 < len(s):
				i++
				val.WriteByte(s[i])
			case quote == 0 && (c == ' ' || c == '\t' || c == '\n'):
				break scan
			default:
				val.WriteByte(c)
			}
		}
		attrs[key] = val.String()
		s = s[i:]
	}
	return attrs
}

// parseChoices maps "PageSize/Media Size: *4x6 5x7 A4" style driver options
// onto the IPP attribute names the registry understands.
func parseChoices(out []byte) map[string]string {
	attrs := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		key := line[:colon]
		if slash := strings.Index(key, "/"); slash >= 0 {
			key = key[:slash]
		}

		var choices []string
		for _, c := range strings.Fields(line[colon+1:]) {
			choices = append(choices, strings.TrimPrefix(c, "*"))
		}
		joined := strings.Join(choices, ",")

		switch strings.TrimSpace(key) {
		case "PageSize":
			attrs[attrMedia] = joined
		case "MediaType":
			attrs[attrMediaType] = joined
		case "ColorModel":
			for _, c := range choices {
				if l := strings.ToLower(c); l != "gray" && l != "grayscale" && l != "black" {
					attrs[attrColorMode] = "monochrome,color"
					break
				}
			}
		case "Duplex":
			for _, c := range choices {
				if c == "None" || c == "Simplex" || c == "Off" {
					continue
				}
				attrs[attrSides] = "one-sided,two-sided-long-edge"
				break
			}
		}
	}
	return attrs
}
