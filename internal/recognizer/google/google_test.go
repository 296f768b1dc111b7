package google

import (
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.LanguageCode)
	}
	if cfg.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.SampleRateHz)
	}
	if !cfg.InterimResults {
		t.Error("expected interim results enabled by default")
	}
	if cfg.AudioEncoding != "LINEAR16" {
		t.Errorf("expected default encoding 'LINEAR16', got %s", cfg.AudioEncoding)
	}
}

func TestParseAudioEncoding(t *testing.T) {
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{"MULAW", speechpb.RecognitionConfig_MULAW},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"OGG_OPUS", speechpb.RecognitionConfig_OGG_OPUS},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS},
		{"linear16", speechpb.RecognitionConfig_LINEAR16}, // lowercase -> fallback
		{"", speechpb.RecognitionConfig_LINEAR16},         // empty -> fallback
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseAudioEncoding(tt.input); got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSpeakerTag(t *testing.T) {
	alt := &speechpb.SpeechRecognitionAlternative{
		Words: []*speechpb.WordInfo{
			{Word: "hello", SpeakerTag: 1},
			{Word: "there", SpeakerTag: 2},
		},
	}
	if got := speakerTag(alt); got != 2 {
		t.Errorf("expected tag of last word, got %d", got)
	}

	if got := speakerTag(&speechpb.SpeechRecognitionAlternative{}); got != 0 {
		t.Errorf("expected 0 for no words, got %d", got)
	}
}
