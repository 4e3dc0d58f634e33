// Package worker holds the background consumers of ledger change messages.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cashbook/internal/amqp"
	"cashbook/internal/core"
	applog "cashbook/internal/log"
	"cashbook/internal/replica"
)

// DocumentReader is the part of a replica the worker needs.
type DocumentReader interface {
	Get(ctx context.Context, key string) (replica.Snapshot, error)
}

// BackupWorker writes a dated export of a ledger whenever it changes. One
// file per document per day; later changes on the same day overwrite it.
type BackupWorker struct {
	store DocumentReader
	dir   string
	now   func() time.Time

	mu   sync.Mutex
	last map[string]int64
}

// NewBackupWorker writes backups below dir. now defaults to time.Now.
func NewBackupWorker(store DocumentReader, dir string, now func() time.Time) *BackupWorker {
	if now == nil {
		now = time.Now
	}
	return &BackupWorker{store: store, dir: dir, now: now, last: make(map[string]int64)}
}

// HandleLedgerChanged processes a single ledger changed message from AMQP
func (w *BackupWorker) HandleLedgerChanged(ctx context.Context, msg *amqp.LedgerChangedMessage) error {
	slog.InfoContext(ctx, "Processing ledger changed message",
		"message_id", msg.ID,
		applog.FieldKey, msg.Key,
		applog.FieldRevision, msg.Revision)

	if w.seen(msg.Key, msg.Revision) {
		slog.DebugContext(ctx, "Backup already covers revision",
			applog.FieldKey, msg.Key,
			applog.FieldRevision, msg.Revision)
		return nil
	}
	_, err := w.Backup(ctx, msg.Key)
	return err
}

// StartupBackup writes one backup of key when the worker starts, covering
// changes made while it was down.
func (w *BackupWorker) StartupBackup(ctx context.Context, key string) error {
	path, err := w.Backup(ctx, key)
	if err != nil {
		return fmt.Errorf("startup backup: %w", err)
	}
	if path == "" {
		slog.InfoContext(ctx, "No document to back up on startup", applog.FieldKey, key)
	}
	return nil
}

// Backup reads the current document under key and writes its export. It
// returns the file path, or "" when no document exists yet.
func (w *BackupWorker) Backup(ctx context.Context, key string) (string, error) {
	snap, err := w.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read document %s: %w", key, err)
	}
	if !snap.Exists {
		return "", nil
	}

	data, err := core.Export(snap.Document)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(w.dir, keyDir(key))
	path := filepath.Join(dir, core.ExportFileName(w.now()))
	if err := writeFileAtomic(dir, path, data); err != nil {
		return "", fmt.Errorf("write backup %s: %w", path, err)
	}
	w.record(key, snap.Revision)

	slog.InfoContext(ctx, "Ledger backup written",
		applog.FieldKey, key,
		applog.FieldRevision, snap.Revision,
		"entries", len(snap.Document.Entries),
		"path", path)
	return path, nil
}

func (w *BackupWorker) seen(key string, revision int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return revision > 0 && revision <= w.last[key]
}

func (w *BackupWorker) record(key string, revision int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if revision > w.last[key] {
		w.last[key] = revision
	}
}

// keyDir turns a document key into a single path element.
func keyDir(key string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return r.Replace(key)
}

func writeFileAtomic(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".backup-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
