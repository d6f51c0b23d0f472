package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ambient-scribe-be/internal/pkg/logger"
	"ambient-scribe-be/pkg/blob"
)

// ErrNoPartials is returned by EndSession when the note never stored a log.
var ErrNoPartials = errors.New("audit: no partial logs for note")

// MemoryLog buffers the log lines of one labelled step of a cycle.
type MemoryLog struct {
	blobs  blob.Store
	logger logger.ILogger
	scope  Scope
	label  string

	mu      sync.Mutex
	started time.Time
	lines   []string
	now     func() time.Time
}

func NewMemoryLog(blobs blob.Store, log logger.ILogger, scope Scope, label string) *MemoryLog {
	if log == nil {
		log = logger.NewNopLogger()
	}
	m := &MemoryLog{
		blobs:  blobs,
		logger: log,
		scope:  scope,
		label:  label,
		now:    time.Now,
	}
	m.started = m.now()
	return m
}

// Log appends a line prefixed with the seconds elapsed since creation.
func (m *MemoryLog) Log(message string) {
	m.mu.Lock()
	elapsed := m.now().Sub(m.started).Seconds()
	m.lines = append(m.lines, fmt.Sprintf("%07.3f: %s", elapsed, message))
	m.mu.Unlock()

	m.logger.Info("MemoryLog", message, map[string]interface{}{
		"note_uuid": m.scope.Note,
		"cycle":     m.scope.Cycle,
		"label":     m.label,
	})
}

func (m *MemoryLog) Logs() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.lines, "\n")
}

func (m *MemoryLog) partialKey() string {
	return fmt.Sprintf("%s%02d/%s.log", m.scope.partialsPrefix(), m.scope.Cycle, m.label)
}

// StoreSoFar uploads the current buffer, replacing any earlier upload.
func (m *MemoryLog) StoreSoFar(ctx context.Context) (string, error) {
	key := m.partialKey()
	if err := blob.PutText(ctx, m.blobs, key, m.Logs()); err != nil {
		return "", fmt.Errorf("store partial log: %w", err)
	}
	return key, nil
}

// PartialLogs lists the partial logs stored for the note of scope.
func PartialLogs(ctx context.Context, blobs blob.Store, scope Scope) ([]blob.Info, error) {
	infos, err := blobs.List(ctx, scope.partialsPrefix())
	if err != nil {
		return nil, fmt.Errorf("list partial logs: %w", err)
	}
	return infos, nil
}

// EndSession concatenates every partial of the note, ordered by key, into
// {instance}/finals/{day}/{note}.log and returns that key.
func EndSession(ctx context.Context, blobs blob.Store, scope Scope) (string, error) {
	infos, err := PartialLogs(ctx, blobs, scope)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", ErrNoPartials
	}

	var buf bytes.Buffer
	for _, info := range infos {
		data, err := blob.ReadAll(ctx, blobs, info.Key)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&buf, "--- %s ---\n", strings.TrimPrefix(info.Key, scope.partialsPrefix()))
		buf.Write(data)
		if !bytes.HasSuffix(data, []byte("\n")) {
			buf.WriteByte('\n')
		}
	}

	key := scope.FinalKey()
	if _, err := blobs.Put(ctx, key, &buf, blob.PutOptions{ContentType: "text/plain"}); err != nil {
		return "", fmt.Errorf("store final log: %w", err)
	}
	return key, nil
}
