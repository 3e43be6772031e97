package emag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Response is the normalized upstream envelope. The marketplace is
// inconsistent about its own contract, so normalization accepts the
// documented shape, envelopes missing the error flag, and bare arrays,
// folding them all into this struct.
type Response struct {
	IsError  bool
	Messages []string
	Results  json.RawMessage

	// Synthetic is set when the upstream omitted the envelope and the
	// payload was wrapped locally.
	Synthetic bool
}

// envelope is the documented wire shape. IsError is a pointer so a
// missing flag is distinguishable from an explicit false.
type envelope struct {
	IsError  *bool           `json:"isError"`
	Messages messageList     `json:"messages"`
	Results  json.RawMessage `json:"results"`
	Data     json.RawMessage `json:"data"`
}

// messageList tolerates the two message encodings the upstream emits:
// plain strings and objects with a "message" field.
type messageList []string

func (m *messageList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// Occasionally a single string instead of a list.
		var s string
		if err2 := json.Unmarshal(data, &s); err2 == nil {
			*m = messageList{s}
			return nil
		}
		return err
	}
	out := make(messageList, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(r, &obj); err == nil && obj.Message != "" {
			out = append(out, obj.Message)
			continue
		}
		out = append(out, string(r))
	}
	*m = out
	return nil
}

// captchaMarkers are the substrings that identify a bot challenge in a
// non-JSON body.
var captchaMarkers = []string{"captcha", "access denied", "request blocked"}

// looksLikeCaptcha scans a raw body for challenge markers.
func looksLikeCaptcha(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// isJSONBody reports whether the body parses as JSON at all. The upstream
// mislabels content types often enough that sniffing the body is more
// reliable than trusting the header.
func isJSONBody(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// normalizeBody folds an upstream body into a Response. A nil error with
// IsError=true never happens: flagged errors come back as *UpstreamError.
// Callers handle captcha detection before calling this.
func normalizeBody(body []byte, statusCode int) (*Response, error) {
	trimmed := bytes.TrimSpace(body)

	if len(trimmed) > 0 && trimmed[0] == '[' {
		// Bare list payload: wrap under a synthetic envelope.
		var probe []json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return nil, &UpstreamError{
				StatusCode: statusCode,
				Messages:   []string{"malformed JSON array response"},
				Raw:        truncateRaw(string(body)),
			}
		}
		return &Response{Results: json.RawMessage(trimmed), Synthetic: true}, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &UpstreamError{
			StatusCode: statusCode,
			Messages:   []string{fmt.Sprintf("malformed JSON response: %v", err)},
			Raw:        truncateRaw(string(body)),
		}
	}

	results := env.Results
	if results == nil {
		results = env.Data
	}

	if env.IsError == nil {
		// Missing error flag: treat as success, wrap verbatim.
		return &Response{Results: json.RawMessage(trimmed), Synthetic: true}, nil
	}

	if *env.IsError {
		msgs := []string(env.Messages)
		if len(msgs) == 0 {
			msgs = []string{"upstream flagged an error without messages"}
		}
		return nil, &UpstreamError{
			StatusCode: statusCode,
			Messages:   msgs,
			Raw:        truncateRaw(string(body)),
		}
	}

	return &Response{Messages: env.Messages, Results: results}, nil
}

// Items decodes the response results as a list of raw records.
func (r *Response) Items() ([]json.RawMessage, error) {
	if len(r.Results) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(r.Results, &items); err != nil {
		return nil, fmt.Errorf("decode result items: %w", err)
	}
	return items, nil
}
