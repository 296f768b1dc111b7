// Package google provides a Google Cloud Speech-to-Text recognition backend.
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
package google

import (
	"context"
	"fmt"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ai-sales-coach-service/internal/audio"
	"ai-sales-coach-service/internal/models"
	"ai-sales-coach-service/internal/recognizer"
)

// Config holds recognition parameters for the streaming session.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	InterimResults bool
	AudioEncoding  string
}

// DefaultConfig returns the recognition defaults for coaching audio.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   audio.TargetSampleRate,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

// Backend implements recognizer.Backend using Google Cloud Speech-to-Text.
type Backend struct {
	client *speech.Client
	cfg    Config
	log    zerolog.Logger
}

// New creates the backend and its underlying gRPC client.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Backend, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google speech client: %w", err)
	}
	return &Backend{client: c, cfg: cfg, log: logger}, nil
}

// Name identifies the backend in logs.
func (b *Backend) Name() string { return "google" }

// Connect opens a streaming recognition session and sends the initial
// config. When params.Diarize is set the session requests two-speaker
// diarization tags on a single shared channel.
func (b *Backend) Connect(ctx context.Context, params recognizer.ConnectParams) (recognizer.Conn, error) {
	stream, err := b.client.StreamingRecognize(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}

	recCfg := &speechpb.RecognitionConfig{
		Encoding:        parseAudioEncoding(b.cfg.AudioEncoding),
		SampleRateHertz: b.cfg.SampleRateHz,
		LanguageCode:    b.cfg.LanguageCode,
	}
	if params.Diarize {
		recCfg.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          2,
			MaxSpeakerCount:          2,
		}
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recCfg,
				InterimResults: b.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		stream.CloseSend()
		return nil, fmt.Errorf("send streaming config: %w", err)
	}

	c := &conn{
		stream: stream,
		events: make(chan models.TranscriptEvent, 32),
		log:    b.log.With().Str("sessionId", params.SessionID).Logger(),
	}
	go c.listen()
	return c, nil
}

// Close releases the underlying client.
func (b *Backend) Close() error {
	return b.client.Close()
}

type conn struct {
	stream speechpb.Speech_StreamingRecognizeClient
	log    zerolog.Logger

	sendMu sync.Mutex
	events chan models.TranscriptEvent

	closeOnce sync.Once
}

// SendAudio streams one PCM16 frame.
func (c *conn) SendAudio(frame audio.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: frame.Bytes(),
		},
	})
}

func (c *conn) Events() <-chan models.TranscriptEvent { return c.events }

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		err = c.stream.CloseSend()
		c.sendMu.Unlock()
	})
	return err
}

// listen receives recognition responses until the stream ends, then closes
// the events channel.
func (c *conn) listen() {
	defer close(c.events)

	for {
		resp, err := c.stream.Recv()
		if err != nil {
			if !isExpectedEnd(err) {
				c.log.Warn().Err(err).Msg("recognition stream ended")
			}
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			c.events <- models.TranscriptEvent{
				Text:       alt.Transcript,
				IsFinal:    r.IsFinal,
				Confidence: float64(alt.Confidence),
				SpeakerTag: speakerTag(alt),
			}
		}
	}
}

// speakerTag extracts the diarization tag of the last word, which Google
// marks with the speaker assignment for the whole hypothesis.
func speakerTag(alt *speechpb.SpeechRecognitionAlternative) int {
	if n := len(alt.Words); n > 0 {
		return int(alt.Words[n-1].SpeakerTag)
	}
	return 0
}

// isExpectedEnd reports stream terminations that are part of normal
// teardown rather than faults.
func isExpectedEnd(err error) bool {
	switch status.Code(err) {
	case codes.Canceled, codes.OutOfRange:
		return true
	}
	return false
}

// parseAudioEncoding maps a config string to the protobuf encoding,
// falling back to LINEAR16.
func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	switch s {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
