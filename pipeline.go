package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/audio"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/classifier"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/config"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/hardware"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/indicator"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/inference"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/notify"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/report"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// pipeline holds the monitor and the resources it does not own.
type pipeline struct {
	monitor *monitor.Monitor
	alerts  *notify.SilenceNotifier
	owned   *pipeline // LEDs and capture source; the monitor releases them once started
	started bool
	closers []io.Closer
	names   []string
}

// start starts the monitor, which from then on owns the LEDs and the
// capture source.
func (p *pipeline) start() error {
	if err := p.monitor.Start(); err != nil {
		return err
	}
	p.started = true
	return nil
}

func (p *pipeline) track(c io.Closer, name string) {
	p.closers = append(p.closers, c)
	p.names = append(p.names, name)
}

// Close waits for pending alerts and releases tracked resources in
// reverse order. Parts handed to a monitor that never started are
// released here too.
func (p *pipeline) Close() {
	if p.alerts != nil {
		p.alerts.Wait()
	}
	if p.owned != nil && !p.started {
		p.owned.Close()
	}
	for i := len(p.closers) - 1; i >= 0; i-- {
		util.SafeCloseFunc(p.closers[i], p.names[i])()
	}
}

// openPipeline opens the model, the sensors, the LEDs and the capture
// source. On error everything opened so far is released.
func openPipeline(ctx context.Context, s config.Settings, logger *slog.Logger) (_ *pipeline, rerr error) {
	owned := &pipeline{}
	p := &pipeline{owned: owned}
	defer func() {
		if rerr != nil {
			p.Close()
		}
	}()

	model, err := classifier.Open(ctx, s.Classifier.ModelPath, classifier.Options{
		TraceDir: s.Classifier.TraceDir,
		Timeout:  s.Classifier.Timeout(),
	})
	if err != nil {
		return nil, util.WrapError("open classifier", err)
	}
	p.track(model, "classifier")

	if err := checkModel(model.ModelParameters(), s.Audio, logger); err != nil {
		return nil, err
	}
	logger.Info("inference settings",
		"project", model.Project().String(),
		"model", model.ModelParameters().String(),
		"window_samples", s.Audio.WindowSamples,
		"sample_rate", s.Audio.SampleRate)

	sensor, err := hardware.OpenIIOSensor(hardware.IIORoot, s.Level.IIODevice, s.Level.Channel)
	if err != nil {
		return nil, util.WrapError("open sound level sensor", err)
	}
	meter, err := audio.NewSoundMeter(sensor, s.Level.ADCMax, s.Level.VRef, audio.VoltageMapping(s.Level.VoltageMapping))
	if err != nil {
		return nil, err
	}

	lines, err := hardware.OpenLEDs(hardware.LEDConfig{
		Chip:   s.Indicator.GPIOChip,
		Green:  s.Indicator.GreenLine,
		Yellow: s.Indicator.YellowLine,
		Red:    s.Indicator.RedLine,
	})
	if err != nil {
		return nil, util.WrapError("request indicator lines", err)
	}
	owned.track(lines, "indicator lines")
	led, err := indicator.New(lines, s.Indicator.LimitLow, s.Indicator.LimitHigh)
	if err != nil {
		return nil, err
	}

	var archive report.Archiver
	if cfg := archiveConfig(s.Report.Archive); cfg.IsConfigured() {
		a, err := report.NewArchive(cfg)
		if err != nil {
			return nil, util.WrapError("create report archive", err)
		}
		archive = a
		logger.Info("report archive enabled", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	}
	reporter, err := report.New(report.Config{
		URL:          s.Report.URL,
		Token:        s.Report.Token,
		TokenURL:     s.Report.TokenURL,
		ClientID:     s.Report.ClientID,
		ClientSecret: s.Report.ClientSecret,
		Timeout:      s.Report.Timeout(),
	}, report.InterfaceLink{Name: s.Report.LinkInterface}, archive, logger)
	if err != nil {
		return nil, err
	}

	var events *eventlog.Logger
	if s.EventLog.Path != "" {
		events, err = eventlog.NewLogger(s.EventLog.Path)
		if err != nil {
			return nil, util.WrapError("open event log", err)
		}
		p.track(events, "event log")
	}

	buffer, err := audio.NewInferenceBuffer(s.Audio.WindowSamples)
	if err != nil {
		return nil, err
	}
	source, err := audio.OpenCommandSource(s.Audio.Device, s.Audio.SampleRate)
	if err != nil {
		return nil, util.WrapError("open audio source", err)
	}
	owned.track(source, "audio source")
	capture, err := audio.NewCapture(source, buffer, audio.CaptureOptions{
		BlockBytes:  s.Audio.BlockBytes,
		ReadTimeout: s.Audio.ReadTimeout(),
		Gain:        s.Audio.Gain,
	}, logger)
	if err != nil {
		return nil, err
	}

	orchestrator, err := inference.New(buffer, model, meter, s.Inference.WindowTimeout(), logger)
	if err != nil {
		return nil, err
	}

	parts := monitor.Parts{
		Capture:   capture,
		Inference: orchestrator,
		Indicator: led,
		Reporter:  reporter,
		Events:    events,
		Windows:   buffer,
	}
	if s.Alert.WebhookURL != "" {
		p.alerts = notify.NewSilenceNotifier(s.Alert.WebhookURL, logger)
		parts.Alerts = p.alerts
	}

	mon, err := monitor.New(parts, monitor.Options{
		Interval: s.Report.Interval(),
		Silence: audio.SilenceConfig{
			Threshold:  s.Audio.SilenceThresholdDB,
			DurationMs: s.Audio.SilenceDurationMs,
			RecoveryMs: s.Audio.SilenceRecoveryMs,
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	p.monitor = mon
	return p, nil
}

// checkModel compares the model's input with the capture settings. A window
// size mismatch is fatal; a sample rate mismatch only degrades accuracy.
func checkModel(params classifier.ModelParameters, a config.AudioConfig, logger *slog.Logger) error {
	if params.InputFeaturesCount != a.WindowSamples {
		return fmt.Errorf("model expects %d samples per window, audio.window_samples is %d",
			params.InputFeaturesCount, a.WindowSamples)
	}
	if params.Frequency > 0 && int(params.Frequency) != a.SampleRate {
		logger.Warn("model frequency differs from capture sample rate",
			"model_hz", params.Frequency, "sample_rate", a.SampleRate)
	}
	if params.SensorType != classifier.SensorTypeMicrophone {
		logger.Warn("model was not trained on microphone data", "sensor", params.SensorType)
	}
	return nil
}

func archiveConfig(a config.ArchiveConfig) report.ArchiveConfig {
	return report.ArchiveConfig{
		Endpoint:        a.Endpoint,
		Bucket:          a.Bucket,
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
		Prefix:          a.Prefix,
	}
}
