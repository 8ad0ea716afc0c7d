package ingest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// defaultBackupFlushSize matches the spec's "flush at 1000 rows" rule.
const defaultBackupFlushSize = 1000

// CSVBackup buffers processed items in memory and flushes them to a
// timestamped CSV file when the buffer reaches flushSize rows or on
// Close, generalizing the original system's Excel/CSV backup saver
// into a pluggable BackupWriter.
type CSVBackup struct {
	dir       string
	flushSize int

	mu     sync.Mutex
	rows   [][]string
	nowFn  func() time.Time
	opened int
}

// NewCSVBackup builds a CSVBackup that writes timestamped files under
// dir.
func NewCSVBackup(dir string) *CSVBackup {
	return &CSVBackup{
		dir:       dir,
		flushSize: defaultBackupFlushSize,
		nowFn:     time.Now,
	}
}

// Append queues one row; it flushes synchronously once the buffer
// reaches flushSize.
func (c *CSVBackup) Append(item BatchItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rows = append(c.rows, rowFor(item))
	if len(c.rows) >= c.flushSize {
		_ = c.flushLocked()
	}
}

// Close flushes any remaining buffered rows.
func (c *CSVBackup) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *CSVBackup) flushLocked() error {
	if len(c.rows) == 0 {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("ingest: backup mkdir: %w", err)
	}

	c.opened++
	name := fmt.Sprintf("products-%s-%03d.csv", c.nowFn().UTC().Format("20060102T150405"), c.opened)
	path := filepath.Join(c.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ingest: backup create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"internal_code", "retailer", "name", "brand", "current_price", "original_price", "card_price"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("ingest: backup header: %w", err)
	}
	for _, row := range c.rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("ingest: backup row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("ingest: backup flush: %w", err)
	}

	c.rows = nil
	return nil
}

func rowFor(item BatchItem) []string {
	return []string{
		item.InternalCode,
		item.Raw.Retailer,
		item.Raw.Name,
		item.Raw.Brand,
		decimalString(item.CurrentPrice),
		decimalString(item.OriginalPrice),
		decimalString(item.CardPrice),
	}
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
