// Package stream implements the three transform modes a response body can
// be piped through — plain relay, think-strip, and cache replay — for both
// streaming (SSE) and non-streaming JSON bodies.
//
// SSE framing is "data: <json>\n\n", terminated by "data: [DONE]\n\n".
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const thinkCloseMarker = "</think>\n\n"

// chatChunk is the minimal shape of an OpenAI-style streamed delta the
// think-strip transform needs to inspect.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *tokenUsage `json:"usage,omitempty"`
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *tokenUsage `json:"usage,omitempty"`
}

// tokenUsage is the OpenAI-style usage object, present on non-streaming
// responses and, when the client requested stream_options.include_usage,
// on the final streamed chunk.
type tokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// thinkState is the per-stream state the think-strip transform tracks: a
// still-thinking flag and a rolling buffer of un-emitted content. It is
// never shared across requests.
type thinkState struct {
	stillThinking bool
	buffer        strings.Builder
}

func newThinkState() *thinkState { return &thinkState{stillThinking: true} }

// apply runs one delta through the think-strip state machine and returns
// the content that should be emitted to the client for this event.
func (s *thinkState) apply(delta string) string {
	if !s.stillThinking {
		return delta
	}

	s.buffer.WriteString(delta)
	buffered := s.buffer.String()

	if idx := strings.Index(buffered, thinkCloseMarker); idx >= 0 {
		s.stillThinking = false
		return buffered[idx+len(thinkCloseMarker):]
	}

	if len(buffered) > 3 && !strings.HasPrefix(buffered, "<th") {
		s.stillThinking = false
		return buffered
	}

	return ""
}

// Result carries what the caller needs after relaying a stream: the text
// that should be written to the cache, and whether that text is eligible
// for caching at all (false once a parse failure occurs — a malformed
// frame is treated as end-of-stream for cache purposes, so no entry is
// written for that response).
type Result struct {
	AssistantText string
	CacheEligible bool
	PromptTokens  int
	OutputTokens  int
}

// RelayStreaming reads SSE frames from upstream and writes the transformed
// stream to w. When thinkStrip is true the think-strip transform runs;
// otherwise frames are passed through unchanged except for re-framing as
// canonical `data: ...\n\n` events.
func RelayStreaming(upstream io.Reader, w io.Writer, thinkStrip bool) (Result, error) {
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	scanner.Split(splitSSEFrames)

	var out strings.Builder
	var state *thinkState
	if thinkStrip {
		state = newThinkState()
	}
	cacheEligible := true
	var usage tokenUsage

	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}

		payload, isData := cutDataPrefix(frame)
		if !isData {
			if _, err := fmt.Fprintf(w, "%s\n\n", frame); err != nil {
				return Result{}, err
			}
			continue
		}

		if string(payload) == "[DONE]" {
			if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
				return Result{}, err
			}
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			// Parse failure: forward the raw event unchanged and stop
			// treating the rest of this response as cacheable.
			if _, werr := fmt.Fprintf(w, "data: %s\n\n", payload); werr != nil {
				return Result{}, werr
			}
			cacheEligible = false
			continue
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return Result{}, err
			}
			continue
		}

		delta := chunk.Choices[0].Delta.Content

		emit := delta
		if thinkStrip {
			emit = state.apply(delta)
		}
		if cacheEligible {
			out.WriteString(emit)
		}

		if !thinkStrip {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return Result{}, err
			}
			continue
		}

		chunk.Choices[0].Delta.Content = emit
		data, err := json.Marshal(chunk)
		if err != nil {
			return Result{}, fmt.Errorf("stream: re-marshal chunk: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return Result{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, err
	}

	return Result{
		AssistantText: out.String(),
		CacheEligible: cacheEligible,
		PromptTokens:  usage.PromptTokens,
		OutputTokens:  usage.CompletionTokens,
	}, nil
}

// RelayNonStreaming reads the full non-streaming JSON response from
// upstream, optionally think-strips choices[0].message.content, re-emits
// the (possibly rewritten) JSON to w, and returns the final assistant text
// for the cache.
func RelayNonStreaming(upstream io.Reader, w io.Writer, thinkStrip bool) (Result, error) {
	raw, err := io.ReadAll(upstream)
	if err != nil {
		return Result{}, err
	}

	if !thinkStrip {
		if _, werr := w.Write(raw); werr != nil {
			return Result{}, werr
		}
		var full chatCompletion
		text := ""
		var usage tokenUsage
		if json.Unmarshal(raw, &full) == nil {
			if len(full.Choices) > 0 {
				text = full.Choices[0].Message.Content
			}
			if full.Usage != nil {
				usage = *full.Usage
			}
		}
		return Result{
			AssistantText: text,
			CacheEligible: text != "",
			PromptTokens:  usage.PromptTokens,
			OutputTokens:  usage.CompletionTokens,
		}, nil
	}

	var full map[string]any
	if err := json.Unmarshal(raw, &full); err != nil {
		if _, werr := w.Write(raw); werr != nil {
			return Result{}, werr
		}
		return Result{CacheEligible: false}, nil
	}

	content := extractMessageContent(full)
	stripped := content
	if idx := strings.Index(content, thinkCloseMarker); idx >= 0 {
		stripped = content[idx+len(thinkCloseMarker):]
	}
	setMessageContent(full, stripped)

	data, err := json.Marshal(full)
	if err != nil {
		return Result{}, fmt.Errorf("stream: re-marshal completion: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return Result{}, err
	}

	promptTokens, outputTokens := extractUsage(full)
	return Result{
		AssistantText: stripped,
		CacheEligible: stripped != "",
		PromptTokens:  promptTokens,
		OutputTokens:  outputTokens,
	}, nil
}

// CacheReplayNonStreaming synthesizes a non-streaming response body from a
// cached completion.
func CacheReplayNonStreaming(w io.Writer, cached string) error {
	body := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": cached}},
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// CacheReplayStreaming synthesizes a two-event SSE stream from a cached
// completion.
func CacheReplayStreaming(w io.Writer, cached string) error {
	event := map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]string{"role": "assistant", "content": cached}},
		},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	_, err = io.WriteString(w, "data: [DONE]\n\n")
	return err
}

func extractMessageContent(full map[string]any) string {
	choices, _ := full["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	choice, _ := choices[0].(map[string]any)
	message, _ := choice["message"].(map[string]any)
	content, _ := message["content"].(string)
	return content
}

func extractUsage(full map[string]any) (promptTokens, outputTokens int) {
	usage, _ := full["usage"].(map[string]any)
	if usage == nil {
		return 0, 0
	}
	if v, ok := usage["prompt_tokens"].(float64); ok {
		promptTokens = int(v)
	}
	if v, ok := usage["completion_tokens"].(float64); ok {
		outputTokens = int(v)
	}
	return promptTokens, outputTokens
}

func setMessageContent(full map[string]any, content string) {
	choices, _ := full["choices"].([]any)
	if len(choices) == 0 {
		return
	}
	choice, _ := choices[0].(map[string]any)
	message, _ := choice["message"].(map[string]any)
	message["content"] = content
}

// cutDataPrefix splits an SSE frame into its payload if it is a `data:`
// line, reporting whether the prefix was present.
func cutDataPrefix(frame []byte) ([]byte, bool) {
	const prefix = "data: "
	if !bytes.HasPrefix(frame, []byte(prefix)) {
		return nil, false
	}
	return frame[len(prefix):], true
}

// splitSSEFrames is a bufio.SplitFunc that tokenizes on a literal blank
// line ("\n\n"), the standard SSE event terminator.
func splitSSEFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[0:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	if atEOF {
		return 0, nil, nil
	}
	return 0, nil, nil
}
