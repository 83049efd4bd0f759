// Package migrate imports and exports authority records as JSONL, one
// record per line:
//
//	{"id":"O1","status":"new","branch":"BR001","payload":{"customer":"acme"}}
//
// A missing version is stored as 1.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// Store is the authority side of an import.
type Store interface {
	Get(ctx context.Context, id string) (*schema.Record, error)
	Upsert(ctx context.Context, r *schema.Record) (*schema.Record, error)
	List(ctx context.Context, branch string) ([]*schema.Record, error)
}

// Options configures an import.
type Options struct {
	From      string // input JSONL path
	DryRun    bool   // parse and validate only
	Backup    bool   // copy the input aside first
	Overwrite bool   // replace records that already exist
}

// Result holds import statistics.
type Result struct {
	Imported      int
	Skipped       int
	BackupCreated string
	Errors        []string
}

// ReadJSONL parses records from r. Blank lines are ignored; a malformed or
// invalid line fails the whole read with its line number.
func ReadJSONL(r io.Reader) ([]*schema.Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var records []*schema.Record
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec schema.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if rec.Status == "" {
			rec.Status = schema.StatusNew
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid record at line %d: %w", lineNum, err)
		}
		rec.LocalUpdatedAt = nil
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return records, nil
}

// Import loads opts.From into store.
func Import(ctx context.Context, store Store, opts Options) (*Result, error) {
	result := &Result{}

	// #nosec G304 - controlled path from CLI
	input, err := os.ReadFile(opts.From)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	records, err := ReadJSONL(bytes.NewReader(input))
	if err != nil {
		return nil, err
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.From + ".backup." + time.Now().Format("20060102-150405")
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if !opts.Overwrite {
			_, err := store.Get(ctx, rec.ID)
			if err == nil {
				result.Skipped++
				continue
			}
			if !errors.Is(err, syncerr.ErrNotFound) {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to check %s: %v", rec.ID, err))
				continue
			}
		}

		if !opts.DryRun {
			if _, err := store.Upsert(ctx, rec); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to import %s: %v", rec.ID, err))
				continue
			}
		}
		result.Imported++
	}

	return result, nil
}

// Export writes every record of branch (all when empty) to w as JSONL.
func Export(ctx context.Context, store Store, branch string, w io.Writer) (int, error) {
	records, err := store.List(ctx, branch)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("failed to write %s: %w", rec.ID, err)
		}
	}
	return len(records), nil
}
