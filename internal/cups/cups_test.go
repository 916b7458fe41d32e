package cups

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/boothspool/internal/core"
)

type call struct {
	name string
	args []string
}

type script struct {
	outputs map[string]string
	errs    map[string]error
	calls   []call
}

func (s *script) run(_ context.Context, name string, args ...string) ([]byte, error) {
	s.calls = append(s.calls, call{name: name, args: args})
	key := strings.Join(append([]string{name}, args...), " ")
	if err, ok := s.errs[key]; ok {
		return []byte(s.outputs[key]), err
	}
	return []byte(s.outputs[key]), nil
}

const selphyOptions = `copies=1 device-uri=usb://Canon/SELPHY%20CP1500?serial=A1B2 finishings=3 ` +
	`printer-info='Canon SELPHY' printer-location=Booth\ 1 printer-make-and-model='Canon SELPHY CP1500' ` +
	`printer-state=3 printer-state-reasons=none printer-type=36892`

const selphyChoices = `PageSize/Media Size: *Postcard 100x148mm 4x6
MediaType/Media Type: *Glossy Matte
ColorModel/Color Mode: *RGB Gray
Duplex/2-Sided Printing: *None
`

func TestEnumerate(t *testing.T) {
	s := &script{outputs: map[string]string{
		"lpstat -e":                   "Canon_SELPHY\nOld_Laser\n",
		"lpstat -d":                   "system default destination: Canon_SELPHY\n",
		"lpoptions -p Canon_SELPHY":    selphyOptions,
		"lpoptions -p Canon_SELPHY -l": selphyChoices,
		"lpoptions -p Old_Laser":       "device-uri=socket://10.0.0.9 printer-state=5 printer-state-reasons=offline-report,paused",
	}, errs: map[string]error{
		"lpoptions -p Old_Laser -l": errors.New("no ppd"),
	}}
	d := New(WithRunner(s.run))

	devices, err := d.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	selphy := devices[0]
	assert.Equal(t, "Canon_SELPHY", selphy.Name)
	assert.Equal(t, "Canon SELPHY", selphy.DisplayName)
	assert.Equal(t, "Booth 1", selphy.Description)
	assert.True(t, selphy.IsDefault)
	assert.Equal(t, 3, selphy.StatusCode)
	assert.Equal(t, core.SchemeIPP, selphy.Scheme)
	assert.Equal(t, "usb://Canon/SELPHY%20CP1500?serial=A1B2", selphy.Options["device-uri"])
	assert.Equal(t, "Canon SELPHY CP1500", selphy.Options["printer-make-and-model"])
	assert.Equal(t, "Postcard,100x148mm,4x6", selphy.Options[attrMedia])
	assert.Equal(t, "Glossy,Matte", selphy.Options[attrMediaType])
	assert.Equal(t, "monochrome,color", selphy.Options[attrColorMode])
	assert.NotContains(t, selphy.Options, attrSides)
	assert.Equal(t, core.StatusReady, core.DeriveStatus(selphy))

	laser := devices[1]
	assert.False(t, laser.IsDefault)
	assert.Equal(t, "Old_Laser", laser.DisplayName)
	assert.Equal(t, core.StatusOffline, core.DeriveStatus(laser))
}

func TestEnumerateNoDestinations(t *testing.T) {
	s := &script{errs: map[string]error{
		"lpstat -e": errors.New("lpstat: exit status 1: lpstat: No destinations added."),
	}}
	devices, err := New(WithRunner(s.run)).Enumerate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Len(t, s.calls, 1)
}

func TestEnumerateSchedulerDown(t *testing.T) {
	s := &script{errs: map[string]error{
		"lpstat -e": errors.New("lpstat: exit status 1: lpstat: Scheduler is not running."),
	}}
	_, err := New(WithRunner(s.run)).Enumerate(context.Background())
	assert.ErrorContains(t, err, "Scheduler is not running")
}

func TestPrintArgs(t *testing.T) {
	s := &script{outputs: map[string]string{}}
	d := New(WithRunner(s.run))

	ok, err := d.Print(context.Background(), core.PrintRequest{
		Path: "/photos/a b.jpg", Printer: "Canon_SELPHY", Copies: 2,
		Color: true, PaperSize: "4x6", Orientation: "Landscape", Silent: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, s.calls, 1)
	assert.Equal(t, "lp", s.calls[0].name)
	assert.Equal(t, []string{
		"-d", "Canon_SELPHY", "-n", "2",
		"-o", "media=4x6", "-o", "orientation-requested=4", "-o", "print-color-mode=color",
		"-s", "--", "/photos/a b.jpg",
	}, s.calls[0].args)

	assert.Equal(t, []string{"-n", "1", "--", "/x.jpg"}, printArgs(core.PrintRequest{Path: "/x.jpg"}))
}

func TestPrintFailure(t *testing.T) {
	s := &script{errs: map[string]error{
		"lp -d A -n 1 -- /x.jpg": errors.New("lp: exit status 1: lp: The printer or class does not exist."),
	}}
	ok, err := New(WithRunner(s.run)).Print(context.Background(), core.PrintRequest{Path: "/x.jpg", Printer: "A", Copies: 1})
	assert.False(t, ok)
	assert.ErrorContains(t, err, "does not exist")

	_, err = New(WithRunner(s.run)).Print(context.Background(), core.PrintRequest{})
	assert.Error(t, err)
}

func TestParseOptionsQuoting(t *testing.T) {
	got := parseOptions([]byte(`a=1 b='two words' c="x y" d=esc\ aped e=`))
	assert.Equal(t, map[string]string{"a": "1", "b": "two words", "c": "x y", "d": "esc aped", "e": ""}, got)
	assert.Empty(t, parseOptions(nil))
}

func TestParseDefault(t *testing.T) {
	assert.Equal(t, "P1", parseDefault([]byte("system default destination: P1\n")))
	assert.Equal(t, "", parseDefault([]byte("no system default destination\n")))
}

func TestParseChoicesDuplex(t *testing.T) {
	got := parseChoices([]byte("Duplex/2-Sided: *None DuplexNoTumble DuplexTumble\nColorModel/Mode: *Gray\n"))
	assert.Equal(t, "one-sided,two-sided-long-edge", got[attrSides])
	assert.NotContains(t, got, attrColorMode)
}
