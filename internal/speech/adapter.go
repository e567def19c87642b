package speech

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-speech/speech"

// Result is a successful synthesis. When the file was written but could not
// be decoded, Audio is the silent placeholder and DecodeErr is set; Path still
// names the written file.
type Result struct {
	Audio     audio.Buffer
	Path      string
	Bytes     int
	DecodeErr error
}

// Adapter is the request/response integration with the synthesize endpoint.
// It holds no per-call state and is safe for concurrent use.
type Adapter struct {
	client       *Client
	loader       *audio.Loader
	outputDir    string
	prefix       string
	languageCode string
	clock        func() time.Time
	logger       *slog.Logger
	tracer       trace.Tracer
	requests     metric.Int64Counter
	duration     metric.Float64Histogram
}

func NewAdapter(cfg config.SpeechConfig, logger *slog.Logger) *Adapter {
	a := &Adapter{
		client:       NewClient(cfg.Endpoint, time.Duration(cfg.TimeoutMS)*time.Millisecond),
		loader:       audio.NewLoader(),
		outputDir:    cfg.OutputDir,
		prefix:       cfg.FilenamePrefix,
		languageCode: cfg.LanguageCode,
		clock:        time.Now,
		logger:       logger.With(slog.String("component", "speech-adapter")),
		tracer:       otel.Tracer(instrumentationName),
	}
	if a.prefix == "" {
		a.prefix = "gemini_tts"
	}
	if err := a.initMetrics(); err != nil {
		a.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return a
}

func (a *Adapter) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("loqa.speech.requests", metric.WithDescription("Synthesis calls by outcome"))
	if err != nil {
		return err
	}
	duration, err := meter.Float64Histogram("loqa.speech.duration_ms",
		metric.WithDescription("Synthesis latency including file write and decode"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	a.requests = requests
	a.duration = duration
	return nil
}

// Synthesize validates req, performs one API call, writes the returned audio
// and loads it back as a sample buffer.
func (a *Adapter) Synthesize(ctx context.Context, req Request, credential string) (res Result, err error) {
	start := a.clock()
	ctx, span := a.tracer.Start(ctx, "speech.synthesize", trace.WithAttributes(
		attribute.String("speech.voice", req.Voice),
		attribute.String("speech.encoding", string(req.Encoding)),
		attribute.Bool("speech.ssml", req.SSML),
		attribute.Int("speech.text_length", len(req.Text)),
	))
	defer func() {
		a.observe(ctx, span, start, res, err)
		span.End()
	}()

	if err = Validate(req, credential); err != nil {
		return Result{}, err
	}

	payload := BuildPayload(req, a.languageCode)
	a.logger.Info("calling synthesize",
		slog.String("voice", req.Voice),
		slog.Float64("speaking_rate", req.SpeakingRate),
		slog.Float64("pitch", req.Pitch),
		slog.String("encoding", string(req.Encoding)))

	data, err := a.client.Synthesize(ctx, payload, credential)
	if err != nil {
		return Result{}, err
	}

	path, err := a.write(req, data)
	if err != nil {
		return Result{}, err
	}
	a.logger.Info("audio file written", slog.String("path", path), slog.Int("bytes", len(data)))

	buf, err := a.loader.Load(path)
	if err != nil {
		decodeErr := &Error{Kind: KindAudioDecode, Msg: "load audio file", Err: err}
		a.logger.Warn("audio decode failed, returning placeholder", slog.String("path", path), slogError(decodeErr))
		return Result{Audio: audio.Silent(), Path: path, Bytes: len(data), DecodeErr: decodeErr}, nil
	}
	return Result{Audio: buf, Path: path, Bytes: len(data)}, nil
}

func (a *Adapter) write(req Request, data []byte) (string, error) {
	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return "", &Error{Kind: KindStorage, Msg: "create output dir", Err: err}
	}
	dir, err := filepath.Abs(a.outputDir)
	if err != nil {
		return "", &Error{Kind: KindStorage, Msg: "resolve output dir", Err: err}
	}
	path := filepath.Join(dir, OutputFilename(req, a.prefix, a.clock()))
	// The file must sit directly in dir.
	if rel, err := filepath.Rel(dir, path); err != nil || rel == "." || rel == ".." || strings.ContainsRune(rel, filepath.Separator) {
		return "", &Error{Kind: KindStorage, Msg: fmt.Sprintf("output path %q escapes %s", path, dir)}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", &Error{Kind: KindStorage, Msg: fmt.Sprintf("write %s", filepath.Base(path)), Err: err}
	}
	return path, nil
}

func (a *Adapter) observe(ctx context.Context, span trace.Span, start time.Time, res Result, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	case res.DecodeErr != nil:
		outcome = "degraded"
		span.RecordError(res.DecodeErr)
	}
	span.SetAttributes(attribute.String("speech.outcome", outcome))

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if a.requests != nil {
		a.requests.Add(ctx, 1, attrs)
	}
	if a.duration != nil {
		a.duration.Record(ctx, float64(a.clock().Sub(start).Milliseconds()), attrs)
	}
	if err != nil {
		if IsKind(err, KindValidation) {
			a.logger.Info("synthesis rejected", slogError(err))
			return
		}
		a.logger.Warn("synthesis failed", slog.String("kind", string(KindOf(err))), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
