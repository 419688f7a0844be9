package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"time"
)

// AudioParser transcribes an ingested audio file by POSTing it whole to a
// whisper.cpp server's batch /inference endpoint. This repurposes the
// multipart-upload/JSON-response shape of the voice-chat STT provider's
// batch inference call for one-shot file transcription: there is no
// silence-detection buffering session here because the whole file is
// already available, not a live PCM stream.
type AudioParser struct {
	serverURL      string
	model          string
	language       string
	httpClient     *http.Client
	maxChunkTokens int
}

var _ Parser = (*AudioParser)(nil)

// AudioOption configures an AudioParser.
type AudioOption func(*AudioParser)

// WithAudioModel sets the model identifier forwarded to the whisper.cpp
// server. Empty leaves the server's default model in effect.
func WithAudioModel(model string) AudioOption {
	return func(p *AudioParser) { p.model = model }
}

// WithAudioLanguage sets the BCP-47 language hint sent to the server.
// Defaults to "en".
func WithAudioLanguage(lang string) AudioOption {
	return func(p *AudioParser) { p.language = lang }
}

// WithAudioMaxChunkTokens overrides the default chunk token cap used to
// split a long transcript into multiple Resource chunks.
func WithAudioMaxChunkTokens(tokens int) AudioOption {
	return func(p *AudioParser) {
		if tokens > 0 {
			p.maxChunkTokens = tokens
		}
	}
}

// NewAudioParser returns an AudioParser that calls the whisper.cpp server
// at serverURL (e.g. "http://localhost:8080").
func NewAudioParser(serverURL string, opts ...AudioOption) *AudioParser {
	p := &AudioParser{
		serverURL:      serverURL,
		language:       "en",
		httpClient:     &http.Client{Timeout: 2 * time.Minute},
		maxChunkTokens: DefaultMaxChunkTokens,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse implements [Parser]. It uploads data whole and splits the resulting
// transcript text into token-capped chunks tagged with the audio category,
// so the storage worker pool can later classify them as moments during
// dreaming.
func (p *AudioParser) Parse(ctx context.Context, meta FileMeta, data []byte) ([]Chunk, error) {
	text, err := p.infer(ctx, meta, data)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	name := path.Base(meta.URI)
	pieces := SplitByTokenCap(text, p.maxChunkTokens)
	chunks := make([]Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, Chunk{
			Text:     piece,
			Name:     name,
			Category: "audio_transcript",
			Metadata: map[string]any{
				"chunk_index": i,
				"source_uri":  meta.URI,
				"language":    p.language,
			},
		})
	}
	return chunks, nil
}

// infer encodes the upload and calls the whisper.cpp /inference endpoint,
// returning the transcribed text.
func (p *AudioParser) infer(ctx context.Context, meta FileMeta, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	filename := path.Base(meta.URI)
	if filename == "" || filename == "." {
		filename = "audio"
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("parser: create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("parser: write audio data: %w", err)
	}

	if p.language != "" {
		if err := mw.WriteField("language", p.language); err != nil {
			return "", fmt.Errorf("parser: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("parser: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("parser: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("parser: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("parser: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("parser: whisper.cpp server returned HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parser: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("parser: parse JSON response: %w", err)
	}
	return result.Text, nil
}
