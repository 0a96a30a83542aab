package mail

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/user/reportd/internal/config"
	"github.com/user/reportd/internal/gateway"
)

type fakeTransport struct {
	statuses []int
	calls    int
	keys     []string
	last     *sgmail.SGMailV3
}

func (f *fakeTransport) send(apiKey string, msg *sgmail.SGMailV3) (int, string, error) {
	f.keys = append(f.keys, apiKey)
	f.last = msg
	status := 202
	if f.calls < len(f.statuses) {
		status = f.statuses[f.calls]
	}
	f.calls++
	return status, `{"errors":[]}`, nil
}

func testSettings() *config.Settings {
	return config.NewSettings(map[string]string{
		config.KeyMailAPIKey:   "SG.key",
		config.KeyMailFrom:     "reports@example.com",
		config.KeyMailFromName: "Reports",
	})
}

func fastRetry() *gateway.RetryPolicy {
	return &gateway.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func TestSendWithAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "render-x.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.3 data"), 0o600); err != nil {
		t.Fatal(err)
	}
	ft := &fakeTransport{}
	s := New(testSettings(), fastRetry()).WithTransport(ft.send)

	if err := s.Send(context.Background(), "ops@example.com", "Report ready", "See attachment.", "events.pdf", path); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if ft.calls != 1 || ft.keys[0] != "SG.key" {
		t.Fatalf("unexpected transport use: calls=%d keys=%v", ft.calls, ft.keys)
	}
	msg := ft.last
	if msg.From.Address != "reports@example.com" || msg.From.Name != "Reports" {
		t.Errorf("unexpected sender %+v", msg.From)
	}
	if msg.Subject != "Report ready" || msg.Personalizations[0].To[0].Address != "ops@example.com" {
		t.Errorf("unexpected envelope: %q to %+v", msg.Subject, msg.Personalizations[0].To)
	}
	if len(msg.Content) != 1 || msg.Content[0].Type != "text/plain" {
		t.Errorf("expected a single text part, got %+v", msg.Content)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("expected one attachment, got %d", len(msg.Attachments))
	}
	a := msg.Attachments[0]
	raw, _ := base64.StdEncoding.DecodeString(a.Content)
	if a.Filename != "events.pdf" || a.Type != "application/pdf" || string(raw) != "%PDF-1.3 data" {
		t.Errorf("unexpected attachment %s %s %q", a.Filename, a.Type, raw)
	}
}

func TestSendNotConfigured(t *testing.T) {
	ft := &fakeTransport{}
	s := New(config.NewSettings(nil), fastRetry()).WithTransport(ft.send)
	if err := s.Send(context.Background(), "a@b.c", "s", "b", "", ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if ft.calls != 0 {
		t.Error("transport should not be called")
	}
}

func TestSendFollowsSettings(t *testing.T) {
	settings := config.NewSettings(nil)
	ft := &fakeTransport{}
	s := New(settings, fastRetry()).WithTransport(ft.send)

	settings.Apply(map[string]string{config.KeyMailAPIKey: "SG.late", config.KeyMailFrom: "x@example.com"})
	if err := s.Send(context.Background(), "a@b.c", "s", "b", "", ""); err != nil {
		t.Fatal(err)
	}
	if ft.keys[0] != "SG.late" {
		t.Errorf("expected key from applied settings, got %q", ft.keys[0])
	}
}

func TestSendRetries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantErr   bool
		wantCalls int
	}{
		{"server error then ok", []int{503, 202}, false, 2},
		{"rate limited then ok", []int{429, 429, 202}, false, 3},
		{"bad request is final", []int{400, 202}, true, 1},
		{"persistent outage", []int{500, 500, 500, 500}, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{statuses: tt.statuses}
			err := New(testSettings(), fastRetry()).WithTransport(ft.send).
				Send(context.Background(), "a@b.c", "s", "b", "", "")
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestSendMissingAttachment(t *testing.T) {
	ft := &fakeTransport{}
	err := New(testSettings(), fastRetry()).WithTransport(ft.send).
		Send(context.Background(), "a@b.c", "s", "b", "x.pdf", filepath.Join(t.TempDir(), "gone.pdf"))
	if err == nil || ft.calls != 0 {
		t.Fatalf("expected read error before sending, got %v (calls %d)", err, ft.calls)
	}
}
