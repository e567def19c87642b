package speech

// Payload is the text:synthesize request body.
type Payload struct {
	Input       Input          `json:"input"`
	Voice       VoiceSelection `json:"voice"`
	AudioConfig AudioConfig    `json:"audioConfig"`
}

// Input holds exactly one of Text or SSML.
type Input struct {
	Text string `json:"text,omitempty"`
	SSML string `json:"ssml,omitempty"`
}

type VoiceSelection struct {
	LanguageCode string `json:"languageCode"`
	Name         string `json:"name"`
	SSMLGender   Gender `json:"ssmlGender"`
}

type AudioConfig struct {
	AudioEncoding string  `json:"audioEncoding"`
	SpeakingRate  float64 `json:"speakingRate"`
	Pitch         float64 `json:"pitch"`
	VolumeGainDB  float64 `json:"volumeGainDb"`
}

// BuildPayload maps a validated request onto the API body. languageCode is
// used when the voice name carries no locale prefix.
func BuildPayload(req Request, languageCode string) Payload {
	var in Input
	if req.SSML {
		in.SSML = req.Text
	} else {
		in.Text = req.Text
	}
	return Payload{
		Input: in,
		Voice: VoiceSelection{
			LanguageCode: LanguageForVoice(req.Voice, languageCode),
			Name:         req.Voice,
			SSMLGender:   GenderForVoice(req.Voice),
		},
		AudioConfig: AudioConfig{
			AudioEncoding: req.Encoding.Wire(),
			SpeakingRate:  req.SpeakingRate,
			Pitch:         req.Pitch,
			VolumeGainDB:  req.VolumeGainDB,
		},
	}
}

type synthesizeResponse struct {
	AudioContent string `json:"audioContent"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
