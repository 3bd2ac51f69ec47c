// Package doctor runs environment preflight checks for voiceclone.
package doctor

import (
	"fmt"
	"io"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/example/go-voice-clone/internal/config"
	"github.com/example/go-voice-clone/internal/model"
	"github.com/example/go-voice-clone/internal/onnx"
	"github.com/example/go-voice-clone/internal/voices"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// MinORTVersion is the oldest ONNX Runtime exposing the C API level the
// runner requests.
const MinORTVersion = "1.23"

// RuntimeFunc locates the ONNX Runtime library.
type RuntimeFunc func() (onnx.RuntimeInfo, error)

// Config holds the inputs of each check. Runtime is injectable for tests.
type Config struct {
	ModelDir  string
	VoicesDir string
	Device    string
	Runtime   RuntimeFunc
}

// FromConfig builds a doctor config from the application configuration.
func FromConfig(cfg config.Config) Config {
	rt := cfg.Runtime

	return Config{
		ModelDir:  cfg.Paths.ModelDir,
		VoicesDir: cfg.Paths.VoicesDir,
		Device:    cfg.Runtime.Device,
		Runtime:   func() (onnx.RuntimeInfo, error) { return onnx.DetectRuntime(rt) },
	}
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

type printer struct {
	w   io.Writer
	res *Result
}

func (p printer) pass(format string, args ...any) {
	fmt.Fprintf(p.w, "%s %s\n", PassMark, fmt.Sprintf(format, args...))
}

func (p printer) fail(label string, err error) {
	p.res.failures = append(p.res.failures, fmt.Sprintf("%s: %v", label, err))
	fmt.Fprintf(p.w, "%s %s: %v\n", FailMark, label, err)
}

// Run executes all checks and writes one line per check to w.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	p := printer{w: w, res: &res}
	p.pass("go runtime: %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	device, err := config.NormalizeDevice(cfg.Device)
	switch {
	case err != nil:
		p.fail("device", err)
	case device != config.DeviceCPU:
		p.fail("device", fmt.Errorf("%q is not supported by this build (cpu only)", device))
	default:
		p.pass("device: %s", device)
	}

	variant := checkBundle(p, cfg.ModelDir)
	checkRuntime(p, cfg.Runtime, variant == model.VariantONNX)

	if cfg.VoicesDir != "" {
		checkVoices(p, cfg.VoicesDir)
	}

	return res
}

// checkBundle reports the manifest and every referenced file, returning the
// vocoder variant when known.
func checkBundle(p printer, dir string) string {
	b, err := model.LoadBundle(dir)
	if err != nil {
		p.fail("model bundle", err)
		return ""
	}

	p.pass("model bundle: %s v%d (%s)", b.Name, b.Version, dir)

	missing := b.Missing()
	for _, f := range b.Files() {
		if slices.Contains(missing, f) {
			p.fail("bundle file "+f, fmt.Errorf("not found"))
		} else {
			p.pass("bundle file: %s", f)
		}
	}

	variant := b.Vocoder.Variant
	if variant == "" && strings.HasSuffix(strings.ToLower(b.Vocoder.File), ".onnx") {
		variant = model.VariantONNX
	}

	return variant
}

// checkRuntime is fatal only when the bundle needs ONNX Runtime.
func checkRuntime(p printer, detect RuntimeFunc, required bool) {
	if detect == nil {
		p.pass("onnx runtime: skipped")
		return
	}

	info, err := detect()
	if err != nil {
		if required {
			p.fail("onnx runtime", err)
		} else {
			p.pass("onnx runtime: not found (only needed for onnx vocoders)")
		}

		return
	}

	if err := checkORTVersion(info.Version); err != nil {
		if required {
			p.fail("onnx runtime "+info.Version, err)
			return
		}

		p.pass("onnx runtime: %s at %s (%v)", info.Version, info.LibraryPath, err)

		return
	}

	p.pass("onnx runtime: %s at %s", info.Version, info.LibraryPath)
}

func checkVoices(p printer, dir string) {
	vm, err := voices.Open(dir)
	if err != nil {
		p.fail("voices manifest", err)
		return
	}

	list := vm.List()
	p.pass("voices: %d in %s", len(list), dir)

	for _, v := range list {
		if _, err := vm.Resolve(v.ID); err != nil {
			p.fail("voice "+v.ID, err)
		} else {
			p.pass("voice file: %s", v.ID)
		}
	}
}

// checkORTVersion accepts "unknown" and anything at or above MinORTVersion.
func checkORTVersion(ver string) error {
	if ver == "" || ver == "unknown" {
		return nil
	}

	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}

	wantMajor, wantMinor, _ := parseMajorMinor(MinORTVersion)
	if major < wantMajor || (major == wantMajor && minor < wantMinor) {
		return fmt.Errorf("requires ONNX Runtime >=%s, got %s", MinORTVersion, ver)
	}

	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
