// Copyright 2025 James Ross
package admin

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Audit appends destructive-op records to a rotating JSONL file. A nil
// receiver or empty path disables it; admin operations never fail on audit
// errors.
type Audit struct {
	mu sync.Mutex
	w  *lumberjack.Logger
}

type auditRecord struct {
	Time   time.Time              `json:"time"`
	Op     string                 `json:"op"`
	Queue  string                 `json:"queue"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

func NewAudit(path string, maxSizeMB, maxFiles int) *Audit {
	if path == "" {
		return nil
	}
	return &Audit{w: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxFiles,
		Compress:   true,
	}}
}

func (a *Audit) Record(_ context.Context, op, queueName string, detail map[string]interface{}) {
	if a == nil {
		return
	}
	rec := auditRecord{Time: time.Now().UTC(), Op: op, Queue: queueName, Detail: detail}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.w.Write(append(b, '\n'))
}

func (a *Audit) Close() error {
	if a == nil {
		return nil
	}
	return a.w.Close()
}
