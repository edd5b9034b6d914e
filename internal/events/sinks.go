package events

import (
	"time"

	"github.com/packfetch/packfetch/pkg/logging"
	"github.com/packfetch/packfetch/pkg/metrics"
	"github.com/packfetch/packfetch/pkg/model"
	"github.com/packfetch/packfetch/pkg/webhook"
)

// LogSink logs state changes at info level, failures at warn level and
// progress and priority changes at debug level.
func LogSink(log *logging.Logger) Listener {
	return func(ev Event) {
		p := ev.Pack
		fields := map[string]any{
			"pack":     p.Name,
			"priority": p.Priority,
		}
		switch ev.Kind {
		case model.ChangeState:
			fields["state"] = p.State.String()
			if p.State.IsFailed() {
				fields["error"] = p.OtherErrorMsg
				if p.DownloadError != model.DownloadErrNone {
					fields["download_error"] = string(p.DownloadError)
				}
				log.Warn("pack failed", fields)
				return
			}
			log.Info("pack state changed", fields)
		case model.ChangeDownloadProgress:
			fields["progress"] = p.DownloadProgress
			log.Debug("pack download progress", fields)
		case model.ChangePriority:
			log.Debug("pack priority changed", fields)
		}
	}
}

// MetricsSink feeds pack events into m. sizeOf, when set, reports the
// archive size of a mounted pack.
func MetricsSink(m *metrics.Registry, sizeOf func(pack string) int64) Listener {
	return func(ev Event) {
		p := ev.Pack
		switch ev.Kind {
		case model.ChangeState:
			switch {
			case p.State == model.PackRequested:
				m.PackRequested()
			case p.State == model.PackDownloading:
				m.DownloadStarted()
			case p.State == model.PackMounted:
				var size int64
				if sizeOf != nil {
					size = sizeOf(p.Name)
				}
				m.PackMounted(p.Name, size)
			case p.State.IsFailed():
				m.PackFailed(p.Name, string(p.State), string(p.DownloadError))
			}
		case model.ChangeDownloadProgress:
			m.SetProgress(p.Name, p.DownloadProgress)
		case model.ChangePriority:
			m.PriorityChanged()
		}
	}
}

// WebhookEvent converts ev to a webhook payload. ok is false for states
// that are not forwarded.
func WebhookEvent(ev Event) (webhook.Event, bool) {
	p := ev.Pack
	out := webhook.Event{
		Timestamp: ev.At.UTC().Format(time.RFC3339),
		Pack:      p.Name,
		State:     p.State.String(),
		Priority:  p.Priority,
	}
	switch ev.Kind {
	case model.ChangeState:
		switch {
		case p.State == model.PackRequested:
			out.Event = webhook.EventPackRequested
		case p.State == model.PackDownloading:
			out.Event = webhook.EventPackDownloading
		case p.State == model.PackMounted:
			out.Event = webhook.EventPackMounted
		case p.State.IsFailed():
			out.Event = webhook.EventPackFailed
			out.Error = p.OtherErrorMsg
			out.DownloadError = string(p.DownloadError)
		default:
			return webhook.Event{}, false
		}
	case model.ChangeDownloadProgress:
		out.Event = webhook.EventPackProgress
		out.Progress = p.DownloadProgress
	case model.ChangePriority:
		out.Event = webhook.EventPackPriority
	default:
		return webhook.Event{}, false
	}
	return out, true
}

// WebhookSink forwards events to c asynchronously.
func WebhookSink(c *webhook.Client) Listener {
	return func(ev Event) {
		if out, ok := WebhookEvent(ev); ok {
			c.Send(out, true)
		}
	}
}
