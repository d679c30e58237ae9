package tui

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/stackup/pkg/events"
	"github.com/pkg/errors"
)

// RegisterDomainToUITransformer republishes lifecycle events as dashboard envelopes on
// TopicUIMessages.
func RegisterDomainToUITransformer(bus *events.Bus) {
	bus.Subscribe("stackup-domain-to-ui", func(env events.Envelope) error {
		out, err := Translate(env)
		if err != nil {
			return err
		}
		for _, ui := range out {
			b, err := json.Marshal(ui)
			if err != nil {
				return errors.Wrap(err, "marshal ui envelope")
			}
			if err := bus.Publisher.Publish(TopicUIMessages, message.NewMessage(watermill.NewUUID(), b)); err != nil {
				return errors.Wrap(err, "publish ui message")
			}
		}
		return nil
	})
}

// Translate maps one lifecycle event to the dashboard envelopes it produces. Unknown
// types produce nothing.
func Translate(env events.Envelope) ([]events.Envelope, error) {
	var out []events.Envelope
	add := func(typ string, payload any) error {
		e, err := events.NewEnvelope(typ, payload)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	}
	logText := func(source string, level LogLevel, text string) error {
		return add(UITypeEventAppend, EventLogEntry{At: env.At, Source: source, Level: level, Text: text})
	}

	switch env.Type {
	case events.TypeStateSnapshot:
		var snap StateSnapshot
		if err := env.Decode(&snap); err != nil {
			return nil, err
		}
		if err := add(UITypeStateSnapshot, snap); err != nil {
			return nil, err
		}
		if snap.Error != "" {
			if err := logText("state", LogLevelWarn, snap.Error); err != nil {
				return nil, err
			}
		}

	case events.TypeServiceExit:
		var ev events.ServiceExit
		if err := env.Decode(&ev); err != nil {
			return nil, err
		}
		text := "service exited"
		if ev.PID > 0 {
			text = fmt.Sprintf("%s pid=%d", text, ev.PID)
		}
		if ev.Reason != "" {
			text = fmt.Sprintf("%s (%s)", text, ev.Reason)
		}
		if err := logText(ev.Service, LogLevelWarn, text); err != nil {
			return nil, err
		}

	case events.TypeServiceState:
		var ev events.ServiceState
		if err := env.Decode(&ev); err != nil {
			return nil, err
		}
		level, text := LogLevelInfo, "phase "+ev.Phase
		if ev.Error != "" {
			level, text = LogLevelError, text+": "+ev.Error
		}
		if err := logText(ev.Service, level, text); err != nil {
			return nil, err
		}

	case events.TypeBuildStageStarted:
		var ev events.StageStarted
		if err := env.Decode(&ev); err != nil {
			return nil, err
		}
		if err := add(UITypeBuildStage, BuildStage{
			Stage: ev.Stage, Index: ev.Index, Total: ev.Total, Base: ev.Base, Running: true,
		}); err != nil {
			return nil, err
		}
		if err := logText("build", LogLevelInfo, fmt.Sprintf("stage %d/%d %s from %s", ev.Index+1, ev.Total, ev.Stage, ev.Base)); err != nil {
			return nil, err
		}

	case events.TypeBuildStageFinished:
		var ev events.StageFinished
		if err := env.Decode(&ev); err != nil {
			return nil, err
		}
		ok := ev.Error == ""
		if err := add(UITypeBuildStage, BuildStage{
			Stage: ev.Stage, Index: ev.Index, OK: &ok, Cached: ev.Cached, Duration: ev.Duration, Error: ev.Error,
		}); err != nil {
			return nil, err
		}
		level, text := LogLevelInfo, fmt.Sprintf("stage %s done in %s", ev.Stage, ev.Duration.Round(time.Millisecond))
		switch {
		case !ok:
			level, text = LogLevelError, fmt.Sprintf("stage %s failed: %s", ev.Stage, ev.Error)
		case ev.Cached:
			text = fmt.Sprintf("stage %s restored from cache", ev.Stage)
		}
		if err := logText("build", level, text); err != nil {
			return nil, err
		}
	}
	return out, nil
}
