package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/history"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

const (
	ClassGeminiTTS       = "GeminiTTSNode"
	DisplayNameGeminiTTS = "Gemini Text-to-Speech"

	// ErrorPrefix starts every message returned in place of a file path.
	ErrorPrefix = "Gemini TTS error: "

	defaultText = "こんにちは、これはGemini TTSのテストです。"
)

// Input names as the host sends them.
const (
	InputText           = "text"
	InputVoiceStyle     = "voice_style"
	InputSpeakingRate   = "speaking_rate"
	InputPitch          = "pitch"
	InputVolumeGainDB   = "volume_gain_db"
	InputAPIKey         = "api_key"
	InputOutputFilename = "output_filename"
	InputSSMLEnabled    = "ssml_enabled"
	InputAudioEncoding  = "audio_encoding"
)

// Synthesizer is satisfied by *speech.Adapter.
type Synthesizer interface {
	Synthesize(ctx context.Context, req speech.Request, credential string) (speech.Result, error)
}

// Recorder is satisfied by *history.Store.
type Recorder interface {
	Record(ctx context.Context, inv history.Invocation) error
}

// SpeechNode exposes speech.Adapter to the host.
type SpeechNode struct {
	synth   Synthesizer
	history Recorder
	logger  *slog.Logger
}

// NewSpeechNode builds the node. rec may be nil.
func NewSpeechNode(synth Synthesizer, rec Recorder, logger *slog.Logger) *SpeechNode {
	return &SpeechNode{
		synth:   synth,
		history: rec,
		logger:  logger.With(slog.String("component", "speech-node"), slog.String("class", ClassGeminiTTS)),
	}
}

func (n *SpeechNode) Schema() Schema {
	encodings := make([]string, 0, len(speech.Encodings))
	for _, e := range speech.Encodings {
		encodings = append(encodings, string(e))
	}
	return Schema{
		Class:       ClassGeminiTTS,
		DisplayName: DisplayNameGeminiTTS,
		Required: []InputSpec{
			{Name: InputText, Type: TypeString, Default: defaultText, Multiline: true, Placeholder: "Text to convert to speech"},
			{Name: InputVoiceStyle, Type: TypeCombo, Default: speech.DefaultVoice, Options: slices.Clone(speech.Voices)},
			{Name: InputSpeakingRate, Type: TypeFloat, Default: 1.0, Min: bound(speech.MinSpeakingRate), Max: bound(speech.MaxSpeakingRate), Step: bound(0.1), Display: "slider"},
			{Name: InputPitch, Type: TypeFloat, Default: 0.0, Min: bound(speech.MinPitch), Max: bound(speech.MaxPitch), Step: bound(0.5), Display: "slider"},
			{Name: InputVolumeGainDB, Type: TypeFloat, Default: 0.0, Min: bound(speech.MinVolumeGainDB), Max: bound(speech.MaxVolumeGainDB), Step: bound(1.0), Display: "slider"},
			{Name: InputAPIKey, Type: TypeString, Default: "", Placeholder: "Google Cloud API key"},
		},
		Optional: []InputSpec{
			{Name: InputOutputFilename, Type: TypeString, Default: "", Placeholder: "Output file name (generated when empty)"},
			{Name: InputSSMLEnabled, Type: TypeBoolean, Default: false, LabelOn: "SSML", LabelOff: "Plain text"},
			{Name: InputAudioEncoding, Type: TypeCombo, Default: string(speech.EncodingMP3), Options: encodings},
		},
		ReturnTypes: []string{"AUDIO", "STRING"},
		ReturnNames: []string{"audio", "file_path"},
		Function:    "generate_speech",
		Category:    "audio",
		Description: "Generates speech from text with the Google Cloud Text-to-Speech API",
	}
}

// ValidateInputs runs the same checks Synthesize runs, plus catalog membership
// for the combo inputs.
func (n *SpeechNode) ValidateInputs(in Inputs) error {
	req, credential, err := requestFromInputs(in)
	if err != nil {
		return err
	}
	if err := speech.Validate(req, credential); err != nil {
		return err
	}
	if !slices.Contains(speech.Voices, req.Voice) {
		return &speech.Error{Kind: speech.KindValidation, Msg: fmt.Sprintf("unknown voice %q", req.Voice)}
	}
	return nil
}

// Fingerprint hashes the fields that change the synthesized audio. The
// credential and output filename are excluded.
func (n *SpeechNode) Fingerprint(in Inputs) string {
	req, _, _ := requestFromInputs(in)
	h := xxhash.New()
	for _, field := range []string{
		req.Text,
		req.Voice,
		strconv.FormatFloat(req.SpeakingRate, 'g', -1, 64),
		strconv.FormatFloat(req.Pitch, 'g', -1, 64),
		strconv.FormatFloat(req.VolumeGainDB, 'g', -1, 64),
		strconv.FormatBool(req.SSML),
		string(req.Encoding),
	} {
		_, _ = h.WriteString(field)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Compute maps the adapter result onto the host convention. It recovers
// panics so a failing node never takes down the graph.
func (n *SpeechNode) Compute(ctx context.Context, in Inputs) (out Outputs) {
	start := time.Now()
	var (
		req speech.Request
		res speech.Result
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
			out = failure(err)
		}
		n.record(ctx, in, req, res, err, time.Since(start))
	}()

	var credential string
	req, credential, err = requestFromInputs(in)
	if err == nil {
		res, err = n.synth.Synthesize(ctx, req, credential)
	}
	if err != nil {
		n.logger.Error("speech generation failed", slog.String("kind", string(speech.KindOf(err))), slog.String("error", err.Error()))
		return failure(err)
	}
	return Outputs{Audio: res.Audio, FilePath: res.Path}
}

func failure(err error) Outputs {
	return Outputs{Audio: audio.Silent(), FilePath: ErrorPrefix + err.Error(), Failed: true}
}

func (n *SpeechNode) record(ctx context.Context, in Inputs, req speech.Request, res speech.Result, err error, elapsed time.Duration) {
	if n.history == nil {
		return
	}
	inv := history.Invocation{
		Class:       ClassGeminiTTS,
		Fingerprint: n.Fingerprint(in),
		Voice:       req.Voice,
		Encoding:    string(req.Encoding),
		TextLength:  len(req.Text),
		Outcome:     history.OutcomeOK,
		Detail:      res.Path,
		Bytes:       res.Bytes,
		Duration:    elapsed,
	}
	switch {
	case err != nil:
		inv.Outcome = history.OutcomeFailed
		inv.ErrorKind = string(speech.KindOf(err))
		inv.Detail = err.Error()
	case res.DecodeErr != nil:
		inv.Outcome = history.OutcomeDegraded
		inv.ErrorKind = string(speech.KindAudioDecode)
	}
	// Compute may run after the host cancelled; the log entry is still wanted.
	if recErr := n.history.Record(context.WithoutCancel(ctx), inv); recErr != nil {
		n.logger.Warn("failed to record invocation", slog.String("error", recErr.Error()))
	}
}

// requestFromInputs applies schema defaults to in. Fields that fail to parse
// keep their defaults in the returned request.
func requestFromInputs(in Inputs) (speech.Request, string, error) {
	req := speech.DefaultRequest("")
	var errs []error

	text, err := stringInput(in, InputText, "")
	errs = append(errs, err)
	req.Text = text

	if req.Voice, err = stringInput(in, InputVoiceStyle, speech.DefaultVoice); err != nil {
		req.Voice = speech.DefaultVoice
		errs = append(errs, err)
	}
	if v, err := floatInput(in, InputSpeakingRate, 1.0); err != nil {
		errs = append(errs, err)
	} else {
		req.SpeakingRate = v
	}
	if v, err := floatInput(in, InputPitch, 0); err != nil {
		errs = append(errs, err)
	} else {
		req.Pitch = v
	}
	if v, err := floatInput(in, InputVolumeGainDB, 0); err != nil {
		errs = append(errs, err)
	} else {
		req.VolumeGainDB = v
	}
	if v, err := boolInput(in, InputSSMLEnabled, false); err != nil {
		errs = append(errs, err)
	} else {
		req.SSML = v
	}
	if v, err := stringInput(in, InputOutputFilename, ""); err != nil {
		errs = append(errs, err)
	} else {
		req.OutputFilename = v
	}
	if raw, err := stringInput(in, InputAudioEncoding, ""); err != nil {
		errs = append(errs, err)
	} else if enc, err := speech.ParseEncoding(raw); err != nil {
		errs = append(errs, err)
	} else {
		req.Encoding = enc
	}

	credential, err := stringInput(in, InputAPIKey, "")
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return req, credential, &speech.Error{Kind: speech.KindValidation, Msg: "invalid inputs", Err: err}
	}
	return req, credential, nil
}
