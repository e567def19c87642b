// Package speech turns a synthesis request into an audio file on disk and a
// decoded sample buffer by calling the Cloud Text-to-Speech REST API.
package speech

import (
	"fmt"
	"strings"
)

// Encoding is the host-facing output container.
type Encoding string

const (
	EncodingMP3 Encoding = "MP3"
	EncodingWAV Encoding = "WAV"
	EncodingOGG Encoding = "OGG"
)

// Encodings lists the accepted values in the order the host shows them.
var Encodings = []Encoding{EncodingMP3, EncodingWAV, EncodingOGG}

// ParseEncoding accepts the host spelling case-insensitively. An empty value
// selects MP3.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToUpper(strings.TrimSpace(s))) {
	case "", EncodingMP3:
		return EncodingMP3, nil
	case EncodingWAV:
		return EncodingWAV, nil
	case EncodingOGG:
		return EncodingOGG, nil
	}
	return "", fmt.Errorf("unsupported audio encoding %q", s)
}

func (e Encoding) Valid() bool {
	switch e {
	case EncodingMP3, EncodingWAV, EncodingOGG:
		return true
	}
	return false
}

// Ext returns the file extension including the leading dot.
func (e Encoding) Ext() string {
	switch e {
	case EncodingWAV:
		return ".wav"
	case EncodingOGG:
		return ".ogg"
	default:
		return ".mp3"
	}
}

// Wire returns the audioEncoding value understood by the API. LINEAR16
// responses carry a WAV header.
func (e Encoding) Wire() string {
	switch e {
	case EncodingWAV:
		return "LINEAR16"
	case EncodingOGG:
		return "OGG_OPUS"
	default:
		return "MP3"
	}
}

// Gender is the ssmlGender hint sent with the voice selection.
type Gender string

const (
	GenderFemale  Gender = "FEMALE"
	GenderMale    Gender = "MALE"
	GenderNeutral Gender = "NEUTRAL"
)

// GenderForVoice guesses the speaker gender from the voice name suffix. The
// catalog does not guarantee this convention; it only holds for the ja-JP
// voices listed in Voices.
func GenderForVoice(voice string) Gender {
	switch {
	case strings.HasSuffix(voice, "-A"), strings.HasSuffix(voice, "-B"):
		return GenderFemale
	case strings.HasSuffix(voice, "-C"), strings.HasSuffix(voice, "-D"):
		return GenderMale
	}
	return GenderNeutral
}

// LanguageForVoice returns the locale prefix of a voice name ("ja-JP" for
// "ja-JP-Neural2-B") or fallback when the name has no such prefix.
func LanguageForVoice(voice, fallback string) string {
	parts := strings.Split(voice, "-")
	if len(parts) >= 3 && parts[0] != "" && parts[1] != "" {
		return parts[0] + "-" + parts[1]
	}
	return fallback
}

// Voices is the voice catalog offered to the host.
var Voices = []string{
	"ja-JP-Neural2-A",
	"ja-JP-Neural2-B",
	"ja-JP-Neural2-C",
	"ja-JP-Neural2-D",
	"ja-JP-Wavenet-A",
	"ja-JP-Wavenet-B",
	"ja-JP-Wavenet-C",
	"ja-JP-Wavenet-D",
	"ja-JP-Standard-A",
	"ja-JP-Standard-B",
	"ja-JP-Standard-C",
	"ja-JP-Standard-D",
}

const DefaultVoice = "ja-JP-Neural2-B"

// Parameter domains.
const (
	MinSpeakingRate = 0.25
	MaxSpeakingRate = 4.0
	MinPitch        = -20.0
	MaxPitch        = 20.0
	MinVolumeGainDB = -96.0
	MaxVolumeGainDB = 16.0
)

// Request is one synthesis call.
type Request struct {
	Text           string
	Voice          string
	SpeakingRate   float64
	Pitch          float64
	VolumeGainDB   float64
	SSML           bool
	Encoding       Encoding
	OutputFilename string
}

// DefaultRequest carries the host defaults for every optional field.
func DefaultRequest(text string) Request {
	return Request{
		Text:         text,
		Voice:        DefaultVoice,
		SpeakingRate: 1.0,
		Encoding:     EncodingMP3,
	}
}

// Validate rejects requests that must never reach the network.
func Validate(req Request, credential string) error {
	if strings.TrimSpace(req.Text) == "" {
		return validationError("text is empty")
	}
	if strings.TrimSpace(credential) == "" {
		return validationError("API key is not set")
	}
	if strings.TrimSpace(req.Voice) == "" {
		return validationError("voice is empty")
	}
	// The voice tag becomes part of the auto-generated file name.
	if strings.ContainsAny(req.Voice, `/\`) || strings.Contains(req.Voice, "..") {
		return validationError(fmt.Sprintf("voice %q contains path characters", req.Voice))
	}
	if !inRange(req.SpeakingRate, MinSpeakingRate, MaxSpeakingRate) {
		return validationError(fmt.Sprintf("speaking rate must be between %.2f and %.1f", MinSpeakingRate, MaxSpeakingRate))
	}
	if !inRange(req.Pitch, MinPitch, MaxPitch) {
		return validationError(fmt.Sprintf("pitch must be between %.1f and %.1f", MinPitch, MaxPitch))
	}
	if !inRange(req.VolumeGainDB, MinVolumeGainDB, MaxVolumeGainDB) {
		return validationError(fmt.Sprintf("volume gain must be between %.1f and %.1f dB", MinVolumeGainDB, MaxVolumeGainDB))
	}
	if !req.Encoding.Valid() {
		return validationError(fmt.Sprintf("unsupported audio encoding %q", req.Encoding))
	}
	return nil
}

// NaN fails both comparisons and is rejected.
func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}
