package speech

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestGenderForVoice(t *testing.T) {
	cases := map[string]Gender{
		"ja-JP-Neural2-A":  GenderFemale,
		"ja-JP-Wavenet-B":  GenderFemale,
		"ja-JP-Standard-C": GenderMale,
		"ja-JP-Neural2-D":  GenderMale,
		"ja-JP-Neural2-X":  GenderNeutral,
		"custom":           GenderNeutral,
	}
	for voice, want := range cases {
		if got := GenderForVoice(voice); got != want {
			t.Fatalf("GenderForVoice(%q) = %s, want %s", voice, got, want)
		}
	}
}

func TestLanguageForVoice(t *testing.T) {
	if got := LanguageForVoice("en-US-Neural2-C", "ja-JP"); got != "en-US" {
		t.Fatalf("expected en-US, got %s", got)
	}
	if got := LanguageForVoice("custom", "ja-JP"); got != "ja-JP" {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestBuildPayloadTextAndSSMLAreExclusive(t *testing.T) {
	req := DefaultRequest("<speak>hi</speak>")
	req.SSML = true
	p := BuildPayload(req, "ja-JP")
	if p.Input.SSML != req.Text || p.Input.Text != "" {
		t.Fatalf("expected ssml input only, got %+v", p.Input)
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var raw struct {
		Input map[string]string `json:"input"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw.Input["text"]; ok {
		t.Fatalf("text key present alongside ssml: %s", data)
	}

	req.SSML = false
	p = BuildPayload(req, "ja-JP")
	if p.Input.Text != req.Text || p.Input.SSML != "" {
		t.Fatalf("expected text input only, got %+v", p.Input)
	}
}

func TestEncodingMapping(t *testing.T) {
	cases := []struct {
		enc  Encoding
		ext  string
		wire string
	}{
		{EncodingMP3, ".mp3", "MP3"},
		{EncodingWAV, ".wav", "LINEAR16"},
		{EncodingOGG, ".ogg", "OGG_OPUS"},
	}
	for _, tc := range cases {
		if tc.enc.Ext() != tc.ext || tc.enc.Wire() != tc.wire {
			t.Fatalf("%s: got %s/%s", tc.enc, tc.enc.Ext(), tc.enc.Wire())
		}
	}
	if enc, err := ParseEncoding("wav"); err != nil || enc != EncodingWAV {
		t.Fatalf("expected WAV, got %s (%v)", enc, err)
	}
	if enc, err := ParseEncoding(""); err != nil || enc != EncodingMP3 {
		t.Fatalf("expected MP3 default, got %s (%v)", enc, err)
	}
	if _, err := ParseEncoding("flac"); err == nil {
		t.Fatal("expected error for flac")
	}
}

func TestOutputFilename(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	req := DefaultRequest("hi")

	if got := OutputFilename(req, "gemini_tts", now); got != "gemini_tts_B_20250304_050607.mp3" {
		t.Fatalf("unexpected auto name %s", got)
	}

	req.Encoding = EncodingWAV
	req.OutputFilename = "clip"
	if got := OutputFilename(req, "gemini_tts", now); got != "clip.wav" {
		t.Fatalf("expected clip.wav, got %s", got)
	}
	req.OutputFilename = "clip.wav"
	if got := OutputFilename(req, "gemini_tts", now); got != "clip.wav" {
		t.Fatalf("expected extension kept once, got %s", got)
	}
	req.OutputFilename = "foo.mp3"
	if got := OutputFilename(req, "gemini_tts", now); got != "foo.mp3.wav" {
		t.Fatalf("expected mismatched extension appended, got %s", got)
	}
	req.OutputFilename = "../../etc/out"
	if got := OutputFilename(req, "gemini_tts", now); strings.Contains(got, "/") {
		t.Fatalf("expected directory components dropped, got %s", got)
	}
}

func TestVoiceTagDropsPathComponents(t *testing.T) {
	cases := map[string]string{
		"ja-JP-Neural2-B":  "B",
		"plain":            "plain",
		"x-/../../escaped": "escaped",
		`x-..\..\evil`:     "evil",
		"x-..":             "voice",
		"x-/":              "voice",
	}
	for voice, want := range cases {
		if got := voiceTag(voice); got != want {
			t.Errorf("voiceTag(%q) = %q, want %q", voice, got, want)
		}
	}
}

func TestValidateRejectsPathCharactersInVoice(t *testing.T) {
	for _, voice := range []string{"x-/../../escaped", `ja-JP\evil`, "ja-JP-..-B"} {
		req := DefaultRequest("hello")
		req.Voice = voice
		if err := Validate(req, "key"); !IsKind(err, KindValidation) {
			t.Errorf("voice %q: expected validation error, got %v", voice, err)
		}
	}
}

func TestOutputFilenameDiffersAcrossSeconds(t *testing.T) {
	req := DefaultRequest("same text")
	first := OutputFilename(req, "gemini_tts", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	second := OutputFilename(req, "gemini_tts", time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC))
	if first == second {
		t.Fatalf("expected distinct names, both %s", first)
	}
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Kind: KindStorage, Msg: "write out.wav", Err: errTest("disk full")}
	if err.Error() != "write out.wav: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if KindOf(err) != KindStorage || KindOf(errTest("x")) != "" {
		t.Fatal("unexpected kind lookup")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
