package tui

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/stackup/pkg/events"
	"github.com/pkg/errors"
)

// Sender is satisfied by *tea.Program.
type Sender interface {
	Send(msg tea.Msg)
}

func RegisterUIForwarder(bus *events.Bus, p Sender) {
	bus.AddHandler("stackup-ui-forward", TopicUIMessages, func(msg *message.Message) error {
		defer msg.Ack()

		var env events.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return errors.Wrap(err, "unmarshal ui envelope")
		}
		m, err := ToMsg(env)
		if err != nil {
			return err
		}
		if m != nil {
			p.Send(m)
		}
		return nil
	})
}

// ToMsg decodes a dashboard envelope into the bubbletea message the models handle.
func ToMsg(env events.Envelope) (tea.Msg, error) {
	switch env.Type {
	case UITypeStateSnapshot:
		var snap StateSnapshot
		if err := env.Decode(&snap); err != nil {
			return nil, err
		}
		return StateSnapshotMsg{Snapshot: snap}, nil
	case UITypeEventAppend:
		var entry EventLogEntry
		if err := env.Decode(&entry); err != nil {
			return nil, err
		}
		return EventLogAppendMsg{Entry: entry}, nil
	case UITypeBuildStage:
		var st BuildStage
		if err := env.Decode(&st); err != nil {
			return nil, err
		}
		return BuildStageMsg{Stage: st}, nil
	}
	return nil, nil
}
