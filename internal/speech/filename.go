package speech

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const timestampLayout = "20060102_150405"

// OutputFilename picks the file name for req. A user supplied name keeps its
// base name and gets the encoding extension appended when it does not already
// end with it; otherwise the name is {prefix}_{voice tag}_{timestamp}{ext}.
func OutputFilename(req Request, prefix string, now time.Time) string {
	ext := req.Encoding.Ext()
	if name := strings.TrimSpace(req.OutputFilename); name != "" {
		name = filepath.Base(name)
		if !strings.HasSuffix(name, ext) {
			name += ext
		}
		return name
	}
	return fmt.Sprintf("%s_%s_%s%s", prefix, voiceTag(req.Voice), now.Format(timestampLayout), ext)
}

// voiceTag is the last dash separated segment: "B" for "ja-JP-Neural2-B".
// Separators and dot runs never survive into the tag.
func voiceTag(voice string) string {
	if i := strings.LastIndex(voice, "-"); i >= 0 {
		voice = voice[i+1:]
	}
	voice = filepath.Base(strings.ReplaceAll(voice, `\`, "/"))
	if strings.Trim(voice, ".") == "" || voice == "/" {
		return "voice"
	}
	return voice
}
