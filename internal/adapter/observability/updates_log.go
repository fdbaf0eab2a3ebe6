package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fairyhunter13/woo-catalog-sync/pkg/textx"
)

// UpdatesLog appends one line per successful remote update to
// updates-log.txt. Lines carry the row index, remote id, part number and
// source feed so an operator can audit exactly what changed.
type UpdatesLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewUpdatesLog opens (or creates) updates-log.txt under dir.
func NewUpdatesLog(dir string) (*UpdatesLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("op=updateslog.New mkdir %s: %w", dir, err)
	}
	f, err := openLogFile(filepath.Join(dir, "updates-log.txt"))
	if err != nil {
		return nil, err
	}
	return &UpdatesLog{file: f}, nil
}

// Append records one successful update. Safe for concurrent use.
func (u *UpdatesLog) Append(feedKey string, rowIndex, remoteID int64, partNumber string) error {
	line := fmt.Sprintf("%s row=%d id=%d part_number=%s feed=%s\n",
		time.Now().UTC().Format(time.RFC3339),
		rowIndex, remoteID,
		textx.SanitizeText(partNumber),
		textx.SanitizeText(feedKey),
	)
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, err := u.file.WriteString(line); err != nil {
		return fmt.Errorf("op=updateslog.Append: %w", err)
	}
	return nil
}

// Close releases the underlying file.
func (u *UpdatesLog) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.file.Close()
}
