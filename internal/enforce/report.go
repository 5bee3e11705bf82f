package enforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dray-io/autoprune/internal/objectstore"
)

const reportTimeout = 30 * time.Second

// ReportSink persists the result of a pass.
type ReportSink interface {
	WriteReport(ctx context.Context, res RunResult) error
}

// ObjectStoreReports writes each run as JSON to
// <prefix>/<namespace>/<runID>.json in an object store.
type ObjectStoreReports struct {
	store  objectstore.Store
	prefix string
}

// NewObjectStoreReports creates a report sink rooted at prefix.
func NewObjectStoreReports(store objectstore.Store, prefix string) *ObjectStoreReports {
	return &ObjectStoreReports{store: store, prefix: strings.Trim(prefix, "/")}
}

func (r *ObjectStoreReports) namespacePrefix(namespace string) string {
	p := url.PathEscape(namespace) + "/"
	if r.prefix == "" {
		return p
	}
	return r.prefix + "/" + p
}

// ReportKey returns the object key for a run.
func (r *ObjectStoreReports) ReportKey(namespace, runID string) string {
	return r.namespacePrefix(namespace) + runID + ".json"
}

func (r *ObjectStoreReports) WriteReport(ctx context.Context, res RunResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("enforce: marshal report: %w", err)
	}
	key := r.ReportKey(res.Namespace, res.RunID)
	if err := r.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("enforce: write report: %w", err)
	}
	return nil
}

// ReadReport loads a previously written report.
func (r *ObjectStoreReports) ReadReport(ctx context.Context, namespace, runID string) (RunResult, error) {
	rc, err := r.store.Get(ctx, r.ReportKey(namespace, runID))
	if err != nil {
		return RunResult{}, fmt.Errorf("enforce: read report: %w", err)
	}
	defer rc.Close()
	var res RunResult
	if err := json.NewDecoder(rc).Decode(&res); err != nil {
		return RunResult{}, fmt.Errorf("enforce: decode report: %w", err)
	}
	return res, nil
}

// ReportSummary identifies a stored report.
type ReportSummary struct {
	RunID        string `json:"runId"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"lastModified,omitempty"`
}

// ListReports returns the namespace's reports ordered by run id.
func (r *ObjectStoreReports) ListReports(ctx context.Context, namespace string) ([]ReportSummary, error) {
	prefix := r.namespacePrefix(namespace)
	objects, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("enforce: list reports: %w", err)
	}
	out := make([]ReportSummary, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, prefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, ReportSummary{
			RunID:        strings.TrimSuffix(name, ".json"),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// DeleteReport removes a report. Deleting a missing report is not an error.
func (r *ObjectStoreReports) DeleteReport(ctx context.Context, namespace, runID string) error {
	if err := r.store.Delete(ctx, r.ReportKey(namespace, runID)); err != nil {
		return fmt.Errorf("enforce: delete report: %w", err)
	}
	return nil
}
