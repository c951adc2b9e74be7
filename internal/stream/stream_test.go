package stream

import (
	"strings"
	"testing"
)

func TestRelayStreaming_Passthrough(t *testing.T) {
	upstream := "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"

	var out strings.Builder
	res, err := RelayStreaming(strings.NewReader(upstream), &out, false)
	if err != nil {
		t.Fatalf("RelayStreaming: %v", err)
	}
	if res.AssistantText != "hello" {
		t.Errorf("AssistantText = %q, want %q", res.AssistantText, "hello")
	}
	if !res.CacheEligible {
		t.Error("expected CacheEligible=true")
	}
	if !strings.Contains(out.String(), "hel") || !strings.Contains(out.String(), "data: [DONE]\n\n") {
		t.Errorf("output missing expected frames: %q", out.String())
	}
}

func TestRelayStreaming_ThinkStrip_StripsLeadingThinkBlock(t *testing.T) {
	upstream := "data: {\"choices\":[{\"delta\":{\"content\":\"<think>reasoning\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"...\\u003c/think\\u003e\\n\\n\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"answer\"}}]}\n\n" +
		"data: [DONE]\n\n"
	// The </think>\n\n marker must appear literally; build it without escapes
	// for clarity of intent.
	upstream = "data: {\"choices\":[{\"delta\":{\"content\":\"<think>reasoning\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"...</think>\\n\\n\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"answer\"}}]}\n\n" +
		"data: [DONE]\n\n"

	var out strings.Builder
	res, err := RelayStreaming(strings.NewReader(upstream), &out, true)
	if err != nil {
		t.Fatalf("RelayStreaming: %v", err)
	}
	if res.AssistantText != "answer" {
		t.Errorf("AssistantText = %q, want %q", res.AssistantText, "answer")
	}
}

func TestRelayStreaming_ThinkStrip_NonThinkingModelPassesFirstChunkThrough(t *testing.T) {
	// A model that never emits <think> at all: the first delta doesn't start
	// with "<th" and is long enough to flip stillThinking immediately, so it
	// must be emitted verbatim rather than swallowed.
	upstream := "data: {\"choices\":[{\"delta\":{\"content\":\"Sure, here\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" is the answer\"}}]}\n\n" +
		"data: [DONE]\n\n"

	var out strings.Builder
	res, err := RelayStreaming(strings.NewReader(upstream), &out, true)
	if err != nil {
		t.Fatalf("RelayStreaming: %v", err)
	}
	if res.AssistantText != "Sure, here is the answer" {
		t.Errorf("AssistantText = %q", res.AssistantText)
	}
}

func TestRelayStreaming_ParseFailureEndsCache(t *testing.T) {
	upstream := "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n" +
		"data: not-json\n\n" +
		"data: [DONE]\n\n"

	var out strings.Builder
	res, err := RelayStreaming(strings.NewReader(upstream), &out, false)
	if err != nil {
		t.Fatalf("RelayStreaming: %v", err)
	}
	if res.CacheEligible {
		t.Error("expected CacheEligible=false after a parse failure")
	}
	if !strings.Contains(out.String(), "not-json") {
		t.Error("expected the unparseable frame to be forwarded unchanged")
	}
}

func TestRelayNonStreaming_ThinkStripSplitsOnMarker(t *testing.T) {
	body := `{"choices":[{"message":{"content":"<think>reasoning</think>\n\nfinal answer"}}]}`
	var out strings.Builder
	res, err := RelayNonStreaming(strings.NewReader(body), &out, true)
	if err != nil {
		t.Fatalf("RelayNonStreaming: %v", err)
	}
	if res.AssistantText != "final answer" {
		t.Errorf("AssistantText = %q, want %q", res.AssistantText, "final answer")
	}
	if strings.Contains(out.String(), "reasoning") {
		t.Error("expected the think block to be stripped from the emitted JSON")
	}
}

func TestRelayNonStreaming_PassthroughLeavesContentUntouched(t *testing.T) {
	body := `{"choices":[{"message":{"content":"<think>r</think>\n\nanswer"}}]}`
	var out strings.Builder
	res, err := RelayNonStreaming(strings.NewReader(body), &out, false)
	if err != nil {
		t.Fatalf("RelayNonStreaming: %v", err)
	}
	if out.String() != body {
		t.Errorf("expected body untouched, got %q", out.String())
	}
	if res.AssistantText != "<think>r</think>\n\nanswer" {
		t.Errorf("AssistantText = %q", res.AssistantText)
	}
}

func TestCacheReplayNonStreaming(t *testing.T) {
	var out strings.Builder
	if err := CacheReplayNonStreaming(&out, "cached text"); err != nil {
		t.Fatalf("CacheReplayNonStreaming: %v", err)
	}
	if !strings.Contains(out.String(), "cached text") {
		t.Errorf("output = %q", out.String())
	}
}

func TestCacheReplayStreaming(t *testing.T) {
	var out strings.Builder
	if err := CacheReplayStreaming(&out, "cached text"); err != nil {
		t.Fatalf("CacheReplayStreaming: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "cached text") || !strings.HasSuffix(got, "data: [DONE]\n\n") {
		t.Errorf("output = %q", got)
	}
}
