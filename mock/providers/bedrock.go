package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"net/http"
	"strings"
)

// newBedrockHandler returns an http.Handler simulating the AWS Bedrock runtime API.
//
// Bedrock uses two endpoints per model:
//
//	POST /model/{modelId}/converse          — non-streaming
//	POST /model/{modelId}/converse-stream   — streaming
//	GET  /foundation-models                 — health check (listFoundationModels)
func newBedrockHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// Match both /model/{id}/converse and /model/{id}/converse-stream
	mux.HandleFunc("/model/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}

		path := r.URL.Path
		modelID := extractBedrockModel(path)
		isStream := strings.HasSuffix(path, "/converse-stream")

		applyLatency(cfg)
		if shouldError(cfg) {
			writeBedrockError(w, http.StatusInternalServerError, "mock internal error", "ServiceUnavailableException")
			return
		}

		if isStream {
			serveBedrockStream(w, modelID, cfg)
		} else {
			serveBedrockConverse(w, modelID, cfg)
		}
	})

	// GET /foundation-models — health check
	mux.HandleFunc("/foundation-models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"modelSummaries": []map[string]any{
				{
					"modelId":   "anthropic.claude-3-5-sonnet-20241022-v2:0",
					"modelName": "Claude 3.5 Sonnet",
					"providerName": "Anthropic",
				},
				{
					"modelId":   "amazon.titan-text-express-v1",
					"modelName": "Titan Text Express",
					"providerName": "Amazon",
				},
			},
		})
	})

	// GET /inference-profiles — cross-region inference profile lookup.
	// The mock has none configured; an empty list exercises the adapter's
	// graceful-passthrough path (model ID used unchanged).
	mux.HandleFunc("/inference-profiles", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"inferenceProfileSummaries": []map[string]any{},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeBedrockError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "ResourceNotFoundException")
	})

	return mux
}

func serveBedrockConverse(w http.ResponseWriter, modelID string, cfg Config) {
	content := fakeSentence(cfg.StreamWords)

	writeJSON(w, http.StatusOK, map[string]any{
		"output": map[string]any{
			"message": map[string]any{
				"role": "assistant",
				"content": []map[string]string{
					{"text": content},
				},
			},
		},
		"stopReason": "end_turn",
		"usage": map[string]int{
			"inputTokens":  12,
			"outputTokens": cfg.StreamWords,
			"totalTokens":  12 + cfg.StreamWords,
		},
		"metrics": map[string]int{
			"latencyMs": 100,
		},
		"additionalModelResponseFields": nil,
		// Returned for identification in tests
		"model": modelID,
	})
}

func serveBedrockStream(w http.ResponseWriter, _ string, cfg Config) {
	// Real Bedrock ConverseStream responses are AWS event-stream binary
	// frames (prelude length + headers length + prelude CRC32, headers,
	// payload, trailing message CRC32) — not line-delimited JSON.
	w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	content := fakeSentence(cfg.StreamWords)

	sendEvent := func(eventType string, payload any) {
		data, _ := json.Marshal(payload)
		frame := encodeEventStreamFrame(map[string]string{
			":event-type":   eventType,
			":message-type": "event",
			":content-type": "application/json",
		}, data)
		_, _ = w.Write(frame)
		if flusher != nil {
			flusher.Flush()
		}
	}

	sendEvent("messageStart", map[string]any{"role": "assistant"})

	sendEvent("contentBlockStart", map[string]any{
		"start":             map[string]any{"text": ""},
		"contentBlockIndex": 0,
	})

	for _, word := range strings.Fields(content) {
		sendEvent("contentBlockDelta", map[string]any{
			"delta":             map[string]string{"text": word + " "},
			"contentBlockIndex": 0,
		})
	}

	sendEvent("contentBlockStop", map[string]int{"contentBlockIndex": 0})

	sendEvent("messageStop", map[string]any{
		"stopReason":                     "end_turn",
		"additionalModelResponseFields": nil,
	})

	sendEvent("metadata", map[string]any{
		"usage": map[string]any{
			"inputTokens":  12,
			"outputTokens": cfg.StreamWords,
			"totalTokens":  12 + cfg.StreamWords,
		},
		"metrics": map[string]any{
			"latencyMs": 100,
		},
		"trace": nil,
	})
}

// encodeEventStreamFrame builds one AWS event-stream binary frame (string
// header values only — the only value type Bedrock emits in practice).
func encodeEventStreamFrame(headers map[string]string, payload []byte) []byte {
	var hb bytes.Buffer
	for name, value := range headers {
		hb.WriteByte(byte(len(name)))
		hb.WriteString(name)
		hb.WriteByte(7) // header value type: string
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(value)))
		hb.Write(lenBuf[:])
		hb.WriteString(value)
	}

	totalLen := uint32(16 + hb.Len() + len(payload))

	var out bytes.Buffer
	var prelude [8]byte
	binary.BigEndian.PutUint32(prelude[0:4], totalLen)
	binary.BigEndian.PutUint32(prelude[4:8], uint32(hb.Len()))
	out.Write(prelude[:])

	var preludeCRC [4]byte
	binary.BigEndian.PutUint32(preludeCRC[:], crc32.ChecksumIEEE(prelude[:]))
	out.Write(preludeCRC[:])

	out.Write(hb.Bytes())
	out.Write(payload)

	var msgCRC [4]byte
	binary.BigEndian.PutUint32(msgCRC[:], crc32.ChecksumIEEE(out.Bytes()))
	out.Write(msgCRC[:])

	return out.Bytes()
}

func writeBedrockError(w http.ResponseWriter, status int, msg, errType string) {
	writeJSON(w, status, map[string]any{
		"message": msg,
		"__type":  errType,
	})
}

// extractBedrockModel extracts the model ID from a path like
// /model/anthropic.claude-3-5-sonnet-20241022-v2:0/converse
func extractBedrockModel(path string) string {
	const prefix = "/model/"
	if !strings.HasPrefix(path, prefix) {
		return "unknown"
	}
	rest := path[len(prefix):]
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
