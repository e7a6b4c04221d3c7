package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dialog-broker/domain"
	"dialog-broker/internal"
	"dialog-broker/storage"
)

// BrokerMapper renders broker rows for the debug inspector. Rows that fail to
// decode keep the generic rendering from DefaultMapper.
func BrokerMapper(key string, val []byte) internal.InspectRow {
	row := internal.DefaultMapper(key, val)

	// Décodage spécifique par préfixe de clé.
	switch strings.SplitN(key, ":", 2)[0] {
	case "conv":
		var c domain.Conversation
		if err := json.Unmarshal(val, &c); err != nil {
			row.Detail = "Error: unmarshal failed"
			return row
		}
		row.Detail = fmt.Sprintf("%s -> %s [%s] send=%d recv=%d", c.LocalService, c.RemoteService, c.Contract, c.SendSeq, c.RecvSeq)
		row.Status = string(c.State)
		if c.PeerClosed {
			row.Status += " peer-closed"
		}
		row.Timestamp = c.CreatedAt.Format("15:04:05")

	case "grp":
		var g domain.ConversationGroup
		if err := json.Unmarshal(val, &g); err != nil {
			row.Detail = "Error: unmarshal failed"
			return row
		}
		row.Queue = g.Queue
		row.Detail = fmt.Sprintf("%d conversation(s) of %s", len(g.Members), g.Service)
		row.Timestamp = g.CreatedAt.Format("15:04:05")

	case "msg":
		var m domain.QueuedMessage
		if err := json.Unmarshal(val, &m); err != nil {
			row.Detail = "Error: unmarshal failed"
			return row
		}
		row.Queue = m.Queue
		row.EntityID = short(m.Handle.String())
		row.Detail = fmt.Sprintf("%s seq=%d (%d bytes)", m.MessageType, m.Seq, len(m.Body))
		row.Status = "QUEUED"
		if m.Local {
			row.Status = "LOCAL"
		}
		row.Timestamp = m.EnqueuedAt.Format("15:04:05")

	case "out":
		var rec storage.OutboxRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			row.Detail = "Error: unmarshal failed"
			return row
		}
		row.EntityID = short(rec.Frame.DialogID.String())
		row.Detail = fmt.Sprintf("%s %s -> %s seq=%d attempts=%d", rec.Frame.Kind, rec.Frame.Origin, rec.Frame.Target, rec.Frame.Seq, rec.Attempts)
		if rec.LastError != "" {
			row.Detail += " last_error=" + rec.LastError
		}
		row.Status = string(rec.Status)
		row.Timestamp = rec.CreatedAt.Format("15:04:05")

	case "tmr":
		var t domain.Timer
		if err := json.Unmarshal(val, &t); err != nil {
			row.Detail = "Error: unmarshal failed"
			return row
		}
		row.Queue = t.Queue
		row.Detail = fmt.Sprintf("%s fires at %s", t.Kind, t.FireAt.Format(time.RFC3339))
		row.Status = string(t.Kind)
		row.Timestamp = t.FireAt.Format("15:04:05")
	}

	return row
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
