package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/slack-go/slack"

	"github.com/yardcore/yardcore/internal/bus"
	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
)

// SlackSink forwards error-severity system logs to a Slack channel.
type SlackSink struct {
	api     *slack.Client
	channel string
	backoff time.Duration
}

// NewSlackSink builds the sink from config. httpClient may be nil.
func NewSlackSink(cfg config.SlackConfig, httpClient *http.Client) (*SlackSink, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errors.New("slack: missing bot token")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		return nil, errors.New("slack: missing channel")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimSpace(cfg.APIURL)
	if base == "" {
		base = "https://slack.com/api"
	}
	base = strings.TrimRight(base, "/") + "/"
	return &SlackSink{
		api:     slack.New(token, slack.OptionHTTPClient(httpClient), slack.OptionAPIURL(base)),
		channel: channel,
		backoff: time.Second,
	}, nil
}

// Send posts one log line. Rate-limited posts are retried a few times.
func (s *SlackSink) Send(ctx context.Context, l *database.SystemLog) error {
	text := formatLog(l)
	b := retry.WithMaxRetries(3, retry.NewExponential(s.backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
		var rl *slack.RateLimitedError
		if errors.As(err, &rl) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Consume forwards the error logs written by this node until ctx is done.
func (s *SlackSink) Consume(ctx context.Context, eb *bus.EventBus) {
	events := eb.Subscribe("slack")
	defer eb.Unsubscribe("slack")
	for {
		ev, ok := bus.Next(ctx, events)
		if !ok {
			return
		}
		l, ok := errorLog(ev)
		if !ok {
			continue
		}
		if err := s.Send(ctx, l); err != nil && ctx.Err() == nil {
			slog.Warn("Slack alert failed", "event", l.Event, "error", err)
		}
	}
}

// errorLog rebuilds an error-severity system log from its insert event.
func errorLog(ev bus.ChangeEvent) (*database.SystemLog, bool) {
	if ev.Table != bus.TableSystemLogs || ev.Op != bus.OpInsert {
		return nil, false
	}
	str := func(k string) string {
		v, _ := ev.Payload[k].(string)
		return v
	}
	if str("log_type") != database.LogError {
		return nil, false
	}
	l := &database.SystemLog{
		ID: ev.ID, AgentUUID: str("agent_uuid"), Origin: str("origin"),
		LogType: database.LogError, Event: str("event"), Msg: str("msg"),
	}
	if id, ok := ev.Payload["wproc_id"].(int64); ok {
		l.WprocID = id
	}
	return l, true
}

func formatLog(l *database.SystemLog) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: [%s] %s", l.Origin, l.Event)
	if l.WprocID != 0 {
		fmt.Fprintf(&b, " work_process=%d", l.WprocID)
	}
	if l.AgentUUID != "" {
		fmt.Fprintf(&b, " agent=%s", l.AgentUUID)
	}
	if l.Msg != "" {
		b.WriteString("\n")
		b.WriteString(l.Msg)
	}
	return b.String()
}
