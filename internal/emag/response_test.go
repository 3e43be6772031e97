package emag

import (
	"errors"
	"testing"
)

func TestNormalizeBody_DocumentedEnvelope(t *testing.T) {
	body := []byte(`{"isError":false,"messages":[],"results":[{"id":1},{"id":2}]}`)
	resp, err := normalizeBody(body, 200)
	if err != nil {
		t.Fatalf("normalizeBody: %v", err)
	}
	if resp.IsError {
		t.Error("IsError = true, want false")
	}
	if resp.Synthetic {
		t.Error("Synthetic = true for a documented envelope")
	}
	items, err := resp.Items()
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("len(items) = %d, want 2", len(items))
	}
}

func TestNormalizeBody_ErrorFlagged(t *testing.T) {
	body := []byte(`{"isError":true,"messages":["Invalid vat_id","Offer rejected"],"results":null}`)
	_, err := normalizeBody(body, 200)
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if len(ue.Messages) != 2 || ue.Messages[0] != "Invalid vat_id" {
		t.Errorf("Messages = %v", ue.Messages)
	}
}

func TestNormalizeBody_ObjectMessages(t *testing.T) {
	body := []byte(`{"isError":true,"messages":[{"message":"stock required"}]}`)
	_, err := normalizeBody(body, 200)
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if len(ue.Messages) != 1 || ue.Messages[0] != "stock required" {
		t.Errorf("Messages = %v", ue.Messages)
	}
}

func TestNormalizeBody_ErrorWithoutMessages(t *testing.T) {
	_, err := normalizeBody([]byte(`{"isError":true}`), 200)
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if len(ue.Messages) == 0 {
		t.Error("Messages empty, want a placeholder message")
	}
}

func TestNormalizeBody_MissingErrorFlag(t *testing.T) {
	body := []byte(`{"offers":[{"sku":"A"}],"count":1}`)
	resp, err := normalizeBody(body, 200)
	if err != nil {
		t.Fatalf("normalizeBody: %v", err)
	}
	if !resp.Synthetic {
		t.Error("Synthetic = false, want true for missing error flag")
	}
	if string(resp.Results) != string(body) {
		t.Errorf("Results = %s, want verbatim payload", resp.Results)
	}
}

func TestNormalizeBody_BareList(t *testing.T) {
	body := []byte(`[{"sku":"A"},{"sku":"B"}]`)
	resp, err := normalizeBody(body, 200)
	if err != nil {
		t.Fatalf("normalizeBody: %v", err)
	}
	if !resp.Synthetic {
		t.Error("Synthetic = false, want true for bare list")
	}
	items, err := resp.Items()
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("len(items) = %d, want 2", len(items))
	}
}

func TestNormalizeBody_MalformedJSON(t *testing.T) {
	_, err := normalizeBody([]byte(`{"isError": tru`), 200)
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
}

func TestNormalizeBody_DataFieldFallback(t *testing.T) {
	body := []byte(`{"isError":false,"messages":[],"data":[{"id":9}]}`)
	resp, err := normalizeBody(body, 200)
	if err != nil {
		t.Fatalf("normalizeBody: %v", err)
	}
	items, err := resp.Items()
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("len(items) = %d, want 1", len(items))
	}
}

func TestMessageList_SingleString(t *testing.T) {
	var env envelope
	if err := env.Messages.UnmarshalJSON([]byte(`"one message"`)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if len(env.Messages) != 1 || env.Messages[0] != "one message" {
		t.Errorf("Messages = %v", env.Messages)
	}
}

func TestLooksLikeCaptcha(t *testing.T) {
	cases := []struct {
		body string
		want bool
	}{
		{"<html><body>Please solve the CAPTCHA to continue</body></html>", true},
		{"<html>Access Denied</html>", true},
		{"<html>maintenance window</html>", false},
		{"plain text error", false},
	}
	for _, tc := range cases {
		if got := looksLikeCaptcha(tc.body); got != tc.want {
			t.Errorf("looksLikeCaptcha(%q) = %v, want %v", tc.body, got, tc.want)
		}
	}
}
