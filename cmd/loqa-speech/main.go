package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/history"
	"github.com/loqalabs/loqa-speech/internal/node"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

var version = "0.1.0-dev"

const apiKeyEnv = "LOQA_SPEECH_API_KEY"

const usage = "expected 'synth', 'schema', 'validate', 'history' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "synth":
		err = runSynth(os.Args[2:])
	case "schema":
		err = runSchema()
	case "validate":
		err = runValidate(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runSynth(args []string) error {
	fs := flag.NewFlagSet("synth", flag.ExitOnError)
	var (
		configPath = fs.String("config", "loqa-speech.yaml", "Path to configuration file")
		text       = fs.String("text", "", "Text or SSML document to synthesize")
		voice      = fs.String("voice", speech.DefaultVoice, "Voice name")
		rate       = fs.Float64("rate", 1.0, "Speaking rate (0.25-4.0)")
		pitch      = fs.Float64("pitch", 0, "Pitch in semitones (-20-20)")
		gain       = fs.Float64("gain", 0, "Volume gain in dB (-96-16)")
		ssml       = fs.Bool("ssml", false, "Treat text as SSML")
		encoding   = fs.String("encoding", string(speech.EncodingMP3), "Audio encoding (MP3, WAV, OGG)")
		out        = fs.String("out", "", "Output filename; generated when empty")
		key        = fs.String("key", "", "API key; defaults to $"+apiKeyEnv)
		remote     = fs.String("remote", "", "Comma separated NATS servers; computes on a remote node host")
		verbose    = fs.Bool("v", false, "Verbose logging")
	)
	fs.Parse(args)

	if *key == "" {
		*key = os.Getenv(apiKeyEnv)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(*verbose)

	inputs := node.Inputs{
		node.InputText:           *text,
		node.InputVoiceStyle:     *voice,
		node.InputSpeakingRate:   *rate,
		node.InputPitch:          *pitch,
		node.InputVolumeGainDB:   *gain,
		node.InputAPIKey:         *key,
		node.InputOutputFilename: *out,
		node.InputSSMLEnabled:    *ssml,
		node.InputAudioEncoding:  *encoding,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *remote != "" {
		timeout := time.Duration(cfg.Speech.TimeoutMS)*time.Millisecond + 5*time.Second
		return synthRemote(ctx, strings.Split(*remote, ","), timeout, inputs, logger)
	}

	store, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := node.NewRegistry()
	if err := node.RegisterDefaults(registry, speech.NewAdapter(cfg.Speech, logger), store, logger); err != nil {
		return err
	}
	class, _ := registry.Lookup(node.ClassGeminiTTS)

	result := class.Node.Compute(ctx, inputs)
	if result.Failed {
		return errors.New(result.FilePath)
	}
	fmt.Println(result.FilePath)
	logger.Debug("audio decoded",
		slog.Int("channels", result.Audio.Channels()),
		slog.Int("frames", result.Audio.Frames()),
		slog.Int("sample_rate", result.Audio.SampleRate))
	return nil
}

// synthRemote sends the compute to whichever node host picks it up. The file
// is written on that host; the printed path is local to it.
func synthRemote(ctx context.Context, servers []string, timeout time.Duration, inputs node.Inputs, logger *slog.Logger) error {
	client, err := bus.Connect(config.BusConfig{Servers: servers, ConnectTimeout: 2000}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := protocol.NodeRequest{Class: node.ClassGeminiTTS, Inputs: inputs, TraceID: uuid.NewString()}
	var reply protocol.ComputeReply
	if err := client.RequestJSON(ctx, protocol.SubjectNodeCompute, req, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	if reply.Failed {
		return errors.New(reply.FilePath)
	}
	fmt.Println(reply.FilePath)
	logger.Debug("remote audio",
		slog.String("trace_id", reply.TraceID),
		slog.String("fingerprint", reply.Fingerprint),
		slog.Int("channels", reply.Channels),
		slog.Int("frames", reply.Frames),
		slog.Int("sample_rate", reply.SampleRate))
	return nil
}

func runSchema() error {
	registry := node.NewRegistry()
	if err := node.RegisterDefaults(registry, nil, nil, newLogger(false)); err != nil {
		return err
	}
	var schemas []node.Schema
	for _, c := range registry.Classes() {
		schemas = append(schemas, c.Node.Schema())
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"nodes":         schemas,
		"display_names": registry.DisplayNames(),
	})
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("file", "node.yaml", "Path to node manifest")
	fs.Parse(args)

	m, err := node.LoadManifest(*path)
	if err != nil {
		return err
	}
	if err := node.ValidateManifest(m); err != nil {
		return err
	}
	registry := node.NewRegistry()
	if err := node.RegisterDefaults(registry, nil, nil, newLogger(false)); err != nil {
		return err
	}
	if err := registry.Check(m); err != nil {
		return err
	}
	fmt.Println("manifest valid")
	return nil
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "loqa-speech.yaml", "Path to configuration file")
	limit := fs.Int("limit", 20, "Number of invocations to show")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	store, err := history.Open(context.Background(), cfg.History, newLogger(false))
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(context.Background(), *limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tOUTCOME\tVOICE\tENCODING\tCHARS\tBYTES\tDURATION\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Outcome, e.Voice, e.Encoding,
			e.TextLength, e.Bytes, e.Duration.Round(time.Millisecond), e.Detail)
	}
	return w.Flush()
}
