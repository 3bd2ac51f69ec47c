package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-voice-clone/internal/conditioning"
	"github.com/example/go-voice-clone/internal/config"
	"github.com/example/go-voice-clone/internal/generator"
	"github.com/example/go-voice-clone/internal/model"
	"github.com/example/go-voice-clone/internal/onnx"
	verrors "github.com/example/go-voice-clone/internal/platform/errors"
	"github.com/example/go-voice-clone/internal/runtime/ops"
	"github.com/example/go-voice-clone/internal/runtime/tensor"
	"github.com/example/go-voice-clone/internal/speechtok"
	"github.com/example/go-voice-clone/internal/tokenizer"
	"github.com/example/go-voice-clone/internal/vocoder"
	"github.com/example/go-voice-clone/internal/voiceenc"
	"github.com/example/go-voice-clone/internal/voices"
)

// SupportedDevices lists the devices this build can run bundles on.
var SupportedDevices = []string{config.DeviceCPU}

// ModelBundle is every loaded component of one checkpoint directory. It is
// read-only after load and shared by concurrent calls.
type ModelBundle struct {
	Bundle          *model.Bundle
	Device          string
	Tokenizer       tokenizer.Tokenizer
	VoiceEncoder    *voiceenc.Encoder
	SpeechTokenizer *speechtok.Tokenizer
	Generator       *generator.Model
	Vocoder         vocoder.Vocoder
	// DefaultVoice is nil when the bundle ships none.
	DefaultVoice *conditioning.Speaker
}

func (b *ModelBundle) Close() error {
	if b == nil || b.Vocoder == nil {
		return nil
	}

	return b.Vocoder.Close()
}

// resolveDevice normalizes device and rejects what this build cannot run.
func resolveDevice(device string) (string, error) {
	d, err := config.NormalizeDevice(device)
	if err != nil {
		return "", verrors.Wrap(verrors.KindConfig, "load", "device", err)
	}

	if d != config.DeviceCPU {
		return "", &verrors.DeviceUnavailableError{Device: d, Supported: SupportedDevices}
	}

	return d, nil
}

// ensureBundle checks that dir holds a complete bundle, downloading it when
// auto-download is enabled.
func ensureBundle(ctx context.Context, dir string, cfg config.Config, logger *slog.Logger) error {
	_, err := os.Stat(filepath.Join(dir, model.BundleFile))
	if err == nil {
		return nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return verrors.Wrap(verrors.KindResource, "load", "stat bundle", err)
	}

	if !cfg.Model.AutoDownload {
		return &verrors.ModelNotFoundError{Path: dir, Reason: "bundle.yaml missing; run `voiceclone model download`"}
	}

	logger.Info("bundle missing, downloading", "repo", cfg.Model.Repo, "revision", cfg.Model.Revision, "dir", dir)

	err = model.Download(ctx, model.DownloadOptions{
		Repo:     cfg.Model.Repo,
		Revision: cfg.Model.Revision,
		OutDir:   dir,
		HFToken:  cfg.Model.HFToken,
	})
	if err != nil {
		return &verrors.ModelNotFoundError{Path: dir, Reason: "download failed: " + err.Error()}
	}

	return nil
}

// loadBundle opens every component of the bundle in dir. Components load
// concurrently; the first failure cancels the rest.
func loadBundle(ctx context.Context, dir, device string, cfg config.Config, logger *slog.Logger) (*ModelBundle, error) {
	start := time.Now()

	b, err := model.LoadBundle(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &verrors.ModelNotFoundError{Path: dir, Reason: err.Error()}
		}

		return nil, verrors.Wrap(verrors.KindConfig, "load", "bundle manifest", err)
	}

	if missing := b.Missing(); len(missing) > 0 {
		return nil, &verrors.ModelNotFoundError{Path: dir, Reason: "missing " + strings.Join(missing, ", ")}
	}

	policy, err := tokenizer.ParsePolicy(cfg.Tokenizer.UnknownPolicy)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindConfig, "load", "tokenizer policy", err)
	}

	tensor.SetWorkers(cfg.Runtime.Threads)
	ops.SetConvWorkers(cfg.Runtime.ConvWorkers)

	mb := &ModelBundle{Bundle: b, Device: device}

	g, gctx := errgroup.WithContext(ctx)

	step := func(name string, fn func() error) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return verrors.Cancelled("load", err)
			}

			t0 := time.Now()
			if err := fn(); err != nil {
				return verrors.Wrap(verrors.KindResource, "load", name, err)
			}

			logger.Debug("component loaded", "component", name, "ms", time.Since(t0).Milliseconds())

			return nil
		})
	}

	step("tokenizer", func() (err error) {
		mb.Tokenizer, err = tokenizer.Load(b.Path(b.Tokenizer), policy)
		return err
	})
	step("voice_encoder", func() (err error) {
		vcfg := voiceenc.DefaultConfig()
		if cfg.Generation.EmbedReference > 0 {
			vcfg.MaxReference = cfg.Generation.EmbedReference
		}

		mb.VoiceEncoder, err = voiceenc.Load(b.Path(b.VoiceEncoder), vcfg)
		return err
	})
	step("speech_tokenizer", func() (err error) {
		mb.SpeechTokenizer, err = speechtok.Load(b.Path(b.SpeechTokenizer), speechtok.DefaultConfig())
		return err
	})
	step("generator", func() (err error) {
		mb.Generator, err = generator.Load(b.Path(b.T3.File), generator.ConfigFromBundle(b.T3))
		return err
	})
	step("vocoder", func() (err error) {
		mb.Vocoder, err = vocoder.Load(b, vocoder.Config{
			FlowSteps: cfg.Vocoder.FlowSteps,
			FlowSeed:  cfg.Vocoder.FlowSeed,
			Runner:    onnx.RunnerConfig{LibraryPath: cfg.Runtime.ORTLibraryPath},
		})
		return err
	})

	if b.DefaultVoice != "" {
		step("default_voice", func() error {
			spk, err := voices.LoadSpeaker(b.Path(b.DefaultVoice))
			if err != nil {
				return err
			}

			mb.DefaultVoice = &spk

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_ = mb.Close()

		return nil, err
	}

	if err := checkDims(mb); err != nil {
		_ = mb.Close()

		return nil, err
	}

	logger.Info("bundle loaded", "dir", dir, "device", device, "vocoder", mb.Vocoder.Variant(),
		"ms", time.Since(start).Milliseconds())

	return mb, nil
}

// checkDims makes sure the independently loaded components agree.
func checkDims(mb *ModelBundle) error {
	enc, gen := mb.VoiceEncoder.Dim(), mb.Generator.SpeakerDim()
	if enc != gen {
		return verrors.New(verrors.KindConfig, "load",
			fmt.Sprintf("voice encoder produces %d dims, generator expects %d", enc, gen))
	}

	if mb.DefaultVoice != nil {
		if err := mb.DefaultVoice.Validate(gen); err != nil {
			return verrors.Wrap(verrors.KindConfig, "load", "default voice", err)
		}
	}

	return nil
}
