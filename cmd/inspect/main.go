package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/olekukonko/tablewriter"

	"dialog-broker/domain"
	"dialog-broker/storage"
)

func main() {
	dbPath := flag.String("db", os.Getenv("BADGER_FILEPATH"), "Path to badger DB (defaults to $BADGER_FILEPATH)")
	// Par défaut on liste les conversations ; utiliser msg:, out:, tmr: ou grp: pour les autres tables.
	prefix := flag.String("prefix", "conv:", "Prefix to scan")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("No DB path: pass -db or set BADGER_FILEPATH")
	}

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Table", "Queue", "Timestamp", "Entity ID", "Detail", "Status"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()

			// Les entrées d'index (dlg:, pnd:, tomb:) n'ont pas de payload intéressant.
			err := item.Value(func(v []byte) error {
				table.Append(describe(string(item.Key()), v))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		log.Fatal(err)
	}

	table.Render()
}

// describe turns a raw store row into table cells. Undecodable rows fall back
// to the raw size so one bad row never stops the scan.
func describe(key string, val []byte) []string {
	parts := strings.Split(key, ":")
	name := strings.ToUpper(parts[0])
	queue, timestamp, entity, detail, status := "-", "--:--:--", "--------", fmt.Sprintf("Size: %d bytes", len(val)), "-"

	switch parts[0] {
	case "conv":
		var c domain.Conversation
		if err := json.Unmarshal(val, &c); err != nil {
			break
		}
		timestamp = c.CreatedAt.Format("15:04:05")
		entity = short(c.Handle.String())
		detail = fmt.Sprintf("%s -> %s [%s] send=%d recv=%d", c.LocalService, c.RemoteService, c.Contract, c.SendSeq, c.RecvSeq)
		status = string(c.State)
		if c.PeerClosed {
			status += " peer-closed"
		}

	case "grp":
		var g domain.ConversationGroup
		if err := json.Unmarshal(val, &g); err != nil {
			break
		}
		queue = g.Queue
		timestamp = g.CreatedAt.Format("15:04:05")
		entity = short(g.ID.String())
		detail = fmt.Sprintf("%d conversation(s) of %s", len(g.Members), g.Service)

	case "msg":
		var m domain.QueuedMessage
		if err := json.Unmarshal(val, &m); err != nil {
			break
		}
		queue = m.Queue
		timestamp = m.EnqueuedAt.Format("15:04:05")
		entity = short(m.Handle.String())
		detail = fmt.Sprintf("%s seq=%d (%d bytes)", m.MessageType, m.Seq, len(m.Body))
		status = "QUEUED"
		if m.Local {
			status = "LOCAL"
		}

	case "out":
		var rec storage.OutboxRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			break
		}
		timestamp = rec.CreatedAt.Format("15:04:05")
		entity = short(rec.Frame.DialogID.String())
		detail = fmt.Sprintf("%s %s -> %s seq=%d attempts=%d", rec.Frame.Kind, rec.Frame.Origin, rec.Frame.Target, rec.Frame.Seq, rec.Attempts)
		if rec.LastError != "" {
			detail += " last_error=" + rec.LastError
		}
		status = string(rec.Status)

	case "tmr":
		var t domain.Timer
		if err := json.Unmarshal(val, &t); err != nil {
			break
		}
		queue = t.Queue
		timestamp = t.FireAt.Format("15:04:05")
		entity = short(t.Handle.String())
		detail = fmt.Sprintf("fires at %s", t.FireAt.Format(time.RFC3339))
		status = string(t.Kind)
	}

	return []string{key, name, queue, timestamp, entity, detail, status}
}

// short garde les 8 premiers caractères pour la lisibilité.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true).
		WithValueLogFileSize(10 * 1024 * 1024)

	db, err := badger.Open(opts)
	if err != nil {
		// Si corruption détectée, essaie un open en write pour truncate
		if strings.Contains(err.Error(), "Log truncate required") {
			fmt.Println("Log truncate required, repairing...")

			repairOpts := badger.DefaultOptions(path).
				WithLogger(nil).WithBypassLockGuard(true)

			db, err = badger.Open(repairOpts)
			if err != nil {
				return nil, fmt.Errorf("repair failed: %w", err)
			}

			// Ferme et réouvre en read-only
			db.Close()
			return badger.Open(opts)
		}
		return nil, err
	}
	return db, nil
}
