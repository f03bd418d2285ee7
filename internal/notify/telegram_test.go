package notify

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"btcarb/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tgServer fakes the Telegram API: getMe for the client handshake plus
// sendMessage capture.
type tgServer struct {
	mu    sync.Mutex
	sends []url.Values
	fail  bool
}

func (s *tgServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"arb","username":"arbbot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			r.ParseForm()
			s.mu.Lock()
			s.sends = append(s.sends, r.PostForm)
			fail := s.fail
			s.mu.Unlock()
			if fail {
				fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
				return
			}
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":1}}`)
		default:
			http.NotFound(w, r)
		}
	}
}

func (s *tgServer) sent() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.sends...)
}

func newTestAlerter(t *testing.T, srv *tgServer) *Alerter {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint("test-token", ts.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("NewBotAPIWithAPIEndpoint: %v", err)
	}
	return &Alerter{
		api:         api,
		chatID:      42,
		log:         testLogger(),
		minInterval: 10 * time.Millisecond,
	}
}

func TestDisabledAlerter(t *testing.T) {
	t.Parallel()
	a := New(config.TelegramConfig{}, testLogger())

	if a.Enabled() {
		t.Error("Enabled() = true with no credentials")
	}
	if err := a.AlertTrade("ARB-000001", "kalshi", "NO", 0.48, 0, true); err != nil {
		t.Errorf("disabled AlertTrade returned %v, want nil", err)
	}

	st := a.Status()
	if st.Enabled || st.MessagesSent != 0 || st.Errors != 0 || st.LastSend != nil {
		t.Errorf("disabled Status = %+v, want empty", st)
	}
}

func TestInvalidChatIDDisables(t *testing.T) {
	t.Parallel()
	a := New(config.TelegramConfig{BotToken: "token", ChatID: "not-a-number"}, testLogger())
	if a.Enabled() {
		t.Error("Enabled() = true with non-numeric chat_id")
	}
}

func TestAlertTradeContent(t *testing.T) {
	t.Parallel()
	srv := &tgServer{}
	a := newTestAlerter(t, srv)

	if err := a.AlertTrade("ARB-000001", "kalshi", "NO", 0.48, 0.0523, true); err != nil {
		t.Fatalf("AlertTrade: %v", err)
	}

	sends := srv.sent()
	if len(sends) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sends))
	}
	form := sends[0]
	if got := form.Get("chat_id"); got != "42" {
		t.Errorf("chat_id = %q, want 42", got)
	}
	if got := form.Get("parse_mode"); got != "HTML" {
		t.Errorf("parse_mode = %q, want HTML", got)
	}
	text := form.Get("text")
	for _, want := range []string{"DRY-RUN", "ARB-000001", "kalshi", "$0.48", "+0.0523"} {
		if !strings.Contains(text, want) {
			t.Errorf("message missing %q:\n%s", want, text)
		}
	}

	st := a.Status()
	if st.MessagesSent != 1 || st.LastSend == nil {
		t.Errorf("Status = %+v, want 1 sent with last_send set", st)
	}
}

func TestAlertKillSwitchContent(t *testing.T) {
	t.Parallel()
	srv := &tgServer{}
	a := newTestAlerter(t, srv)

	if err := a.AlertKillSwitch(true, "manual emergency stop"); err != nil {
		t.Fatalf("AlertKillSwitch: %v", err)
	}

	text := srv.sent()[0].Get("text")
	if !strings.Contains(text, "ACTIVATED") || !strings.Contains(text, "manual emergency stop") {
		t.Errorf("kill switch message = %q", text)
	}
}

func TestAlertCircuitBreakerContent(t *testing.T) {
	t.Parallel()
	srv := &tgServer{}
	a := newTestAlerter(t, srv)

	if err := a.AlertCircuitBreaker("open", "consecutive_failures"); err != nil {
		t.Fatalf("AlertCircuitBreaker: %v", err)
	}

	text := srv.sent()[0].Get("text")
	if !strings.Contains(text, "OPEN") || !strings.Contains(text, "consecutive_failures") {
		t.Errorf("breaker message = %q", text)
	}
}

func TestAlertDailySummaryContent(t *testing.T) {
	t.Parallel()
	srv := &tgServer{}
	a := newTestAlerter(t, srv)

	if err := a.AlertDailySummary(0.1234, 7, 12.50, 31); err != nil {
		t.Fatalf("AlertDailySummary: %v", err)
	}

	text := srv.sent()[0].Get("text")
	for _, want := range []string{"Daily Summary", "+0.1234", "7", "$12.50", "31"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q:\n%s", want, text)
		}
	}
}

func TestSendFailureSanitized(t *testing.T) {
	t.Parallel()
	srv := &tgServer{fail: true}
	a := newTestAlerter(t, srv)

	err := a.AlertHighLatency(850, 500)
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	if strings.Contains(err.Error(), "test-token") {
		t.Error("error exposes bot token")
	}

	st := a.Status()
	if st.Errors != 1 || st.MessagesSent != 0 {
		t.Errorf("Status = %+v, want 1 error / 0 sent", st)
	}
}

func TestSendSpacing(t *testing.T) {
	t.Parallel()
	srv := &tgServer{}
	a := newTestAlerter(t, srv)
	a.minInterval = 60 * time.Millisecond

	start := time.Now()
	if err := a.AlertHighLatency(600, 500); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := a.AlertHighLatency(700, 500); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("two sends took %v, want at least the 60ms spacing", elapsed)
	}
	if len(srv.sent()) != 2 {
		t.Errorf("sent %d messages, want 2", len(srv.sent()))
	}
}
