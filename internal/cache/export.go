package cache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperengineering/flowsync/internal/types"
)

// exportRecord is one JSONL line. Exactly one of Task or Connection is
// set.
type exportRecord struct {
	Kind       types.EntityKind  `json:"kind"`
	Task       *types.Task       `json:"task,omitempty"`
	Connection *types.Connection `json:"connection,omitempty"`
}

// Export writes the active entity set as JSON Lines, tasks first so an
// import sees nodes before edges.
func (c *Cache) Export(w io.Writer) error {
	enc := json.NewEncoder(w)

	tasks, err := c.ListActiveTasks()
	if err != nil {
		return err
	}
	for i := range tasks {
		if err := enc.Encode(exportRecord{Kind: types.KindTask, Task: &tasks[i]}); err != nil {
			return fmt.Errorf("encode task %s: %w", tasks[i].ID, err)
		}
	}

	conns, err := c.ListActiveConnections()
	if err != nil {
		return err
	}
	for i := range conns {
		if err := enc.Encode(exportRecord{Kind: types.KindConnection, Connection: &conns[i]}); err != nil {
			return fmt.Errorf("encode connection %s: %w", conns[i].ID, err)
		}
	}

	c.logger.Info("active set exported",
		"action", "export",
		"tasks", len(tasks),
		"connections", len(conns),
	)
	return nil
}

// Import reads JSON Lines produced by Export and upserts every record.
// Tombstoned ids are skipped; a tombstone outlives any export taken
// before the deletion.
func (c *Cache) Import(r io.Reader) (int, error) {
	tombstones, err := c.ListTombstones()
	if err != nil {
		return 0, err
	}
	dead := make(map[string]struct{}, len(tombstones))
	for _, ts := range tombstones {
		dead[ts.EntityID] = struct{}{}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	imported := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec exportRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return imported, fmt.Errorf("parse line %d: %w", line, err)
		}

		switch rec.Kind {
		case types.KindTask:
			if rec.Task == nil {
				return imported, fmt.Errorf("line %d: task record without task", line)
			}
			if _, tombstoned := dead[rec.Task.ID]; tombstoned {
				continue
			}
			if err := c.UpsertTask(*rec.Task); err != nil {
				return imported, err
			}
		case types.KindConnection:
			if rec.Connection == nil {
				return imported, fmt.Errorf("line %d: connection record without connection", line)
			}
			if _, tombstoned := dead[rec.Connection.ID]; tombstoned {
				continue
			}
			if err := c.UpsertConnection(*rec.Connection); err != nil {
				return imported, err
			}
		default:
			return imported, fmt.Errorf("line %d: unknown kind %q", line, rec.Kind)
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		return imported, fmt.Errorf("read import stream: %w", err)
	}

	c.logger.Info("active set imported", "action", "import", "records", imported)
	return imported, nil
}
