package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/studyreports/apiserver/types"
)

const reportContentType = "application/json"

// ReportArchive stores one JSON object per successful sync.
type ReportArchive struct {
	backend ObjectStorage
	prefix  string
}

func NewReportArchive(backend ObjectStorage, prefix string) *ReportArchive {
	return &ReportArchive{backend: backend, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of report. Keys sort by fill time.
func (a *ReportArchive) Key(report types.SyncReport) string {
	mode := "soft"
	if report.Hard {
		mode = "hard"
	}
	fill := report.LastFill.UTC()
	name := fmt.Sprintf("%s-%s.json", fill.Format("20060102T150405.000000Z"), mode)
	return path.Join(a.prefix, fill.Format("2006"), fill.Format("01"), name)
}

// Archive uploads report.
func (a *ReportArchive) Archive(ctx context.Context, report types.SyncReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync report: %w", err)
	}
	key := a.Key(report)
	if err := a.backend.Put(ctx, key, bytes.NewReader(data), int64(len(data)), reportContentType); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Load reads the report stored under key.
func (a *ReportArchive) Load(ctx context.Context, key string) (types.SyncReport, error) {
	rc, err := a.backend.Get(ctx, key)
	if err != nil {
		return types.SyncReport{}, fmt.Errorf("open %s: %w", key, err)
	}
	defer rc.Close()

	var report types.SyncReport
	if err := json.NewDecoder(rc).Decode(&report); err != nil {
		return types.SyncReport{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return report, nil
}

// Recent returns up to n of the newest archived reports, newest first.
func (a *ReportArchive) Recent(ctx context.Context, n int) ([]types.SyncReport, error) {
	keys, err := a.backend.List(ctx, prefixDir(a.prefix))
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}

	reports := make([]types.SyncReport, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		report, err := a.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}
