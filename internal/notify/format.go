package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"taskbridge/internal/domain"
	"taskbridge/internal/events"
)

type jsonEvent struct {
	ID            int64           `json:"id"`
	Type          string          `json:"type"`
	EntityKind    string          `json:"entity_kind"`
	EntityID      string          `json:"entity_id,omitempty"`
	ActorID       string          `json:"actor_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TS            string          `json:"ts"`
	Payload       json.RawMessage `json:"payload"`
	PayloadRaw    string          `json:"payload_raw,omitempty"`
}

type discordMessage struct {
	Content string `json:"content"`
}

// Encode renders an audit entry in the webhook's format.
func Encode(format string, evt domain.Event) ([]byte, error) {
	switch format {
	case "", FormatJSON:
		body := jsonEvent{
			ID:            evt.ID,
			Type:          evt.Type,
			EntityKind:    evt.EntityKind,
			EntityID:      evt.EntityID,
			ActorID:       evt.ActorID,
			CorrelationID: evt.CorrelationID,
			TS:            evt.TS,
			Payload:       json.RawMessage("{}"),
		}
		if evt.Payload != "" {
			if json.Valid([]byte(evt.Payload)) {
				body.Payload = json.RawMessage(evt.Payload)
			} else {
				body.PayloadRaw = evt.Payload
			}
		}
		return json.Marshal(body)
	case FormatDiscord:
		return json.Marshal(discordMessage{Content: Summary(evt)})
	}
	return nil, fmt.Errorf("unknown webhook format %q", format)
}

var verbs = map[string]string{
	events.TaskTaken:     "🚀 **%s** took task %s",
	events.TaskCompleted: "✅ **%s** completed task %s",
	events.TaskApproved:  "🎉 **%s** approved task %s",
	events.TaskReleased:  "🔄 **%s** released task %s",
	events.TaskAssigned:  "👤 **%s** assigned task %s",
}

// Summary is a one-message chat rendering of an entry.
func Summary(evt domain.Event) string {
	payload := map[string]any{}
	_ = json.Unmarshal([]byte(evt.Payload), &payload)
	str := func(k string) string {
		s, _ := payload[k].(string)
		return s
	}
	who := str("username")
	if who == "" {
		who = evt.ActorID
	}
	format, ok := verbs[evt.Type]
	if !ok {
		return fmt.Sprintf("%s %s %s by %s", evt.Type, evt.EntityKind, evt.EntityID, who)
	}
	var b strings.Builder
	fmt.Fprintf(&b, format, who, evt.EntityID)
	if title := str("title"); title != "" {
		fmt.Fprintf(&b, ": %s", title)
	}
	if assignee := str("assignee"); assignee != "" && evt.Type == events.TaskAssigned {
		fmt.Fprintf(&b, " to %s", assignee)
	}
	for _, k := range []string{"comment", "reason"} {
		if v := str(k); v != "" {
			fmt.Fprintf(&b, "\n> %s", v)
		}
	}
	return b.String()
}
