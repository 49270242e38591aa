package artifacts

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultAPIURL is the artifact store endpoint when no override is given.
const DefaultAPIURL = "https://api.sentience.dev"

// Upload phase timeouts.
const (
	initTimeout     = 30 * time.Second
	putTimeout      = 60 * time.Second
	indexTimeout    = 30 * time.Second
	completeTimeout = 10 * time.Second
	putConcurrency  = 4
)

type uploadArtifact struct {
	Name        string `json:"name"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`

	localPath string
}

type initRequest struct {
	RunID     string           `json:"run_id"`
	Artifacts []uploadArtifact `json:"artifacts"`
}

type uploadURL struct {
	Name       string `json:"name"`
	UploadURL  string `json:"upload_url"`
	StorageKey string `json:"storage_key"`
}

type initResponse struct {
	UploadURLs          []uploadURL `json:"upload_urls"`
	ArtifactIndexUpload struct {
		UploadURL  string `json:"upload_url"`
		StorageKey string `json:"storage_key"`
	} `json:"artifact_index_upload"`
	ExpiresIn int `json:"expires_in"`
}

type indexEntry struct {
	Name        string `json:"name"`
	StorageKey  string `json:"storage_key"`
	ContentType string `json:"content_type"`
}

type artifactIndex struct {
	RunID       string       `json:"run_id"`
	CreatedAtMs int64        `json:"created_at_ms"`
	Artifacts   []indexEntry `json:"artifacts"`
}

type completeRequest struct {
	RunID            string        `json:"run_id"`
	ArtifactIndexKey string        `json:"artifact_index_key"`
	Stats            artifactStats `json:"stats"`
}

type artifactStats struct {
	ManifestSizeBytes    int64 `json:"manifest_size_bytes"`
	SnapshotSizeBytes    int64 `json:"snapshot_size_bytes"`
	DiagnosticsSizeBytes int64 `json:"diagnostics_size_bytes"`
	StepsSizeBytes       int64 `json:"steps_size_bytes"`
	ClipSizeBytes        int64 `json:"clip_size_bytes"`
	FramesTotalSizeBytes int64 `json:"frames_total_size_bytes"`
	FramesCount          int   `json:"frames_count"`
	TotalArtifactSize    int64 `json:"total_artifact_size_bytes"`
}

// Uploader pushes a persisted run directory to the remote artifact store
// using the two-phase presigned-URL protocol. Every network failure is
// logged and degrades to an empty return — uploads never break a run.
type Uploader struct {
	APIKey     string
	APIURL     string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// NewUploader builds an uploader; apiURL falls back to DefaultAPIURL.
func NewUploader(apiKey, apiURL string, logger zerolog.Logger) *Uploader {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Uploader{
		APIKey:     apiKey,
		APIURL:     strings.TrimRight(apiURL, "/"),
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

// UploadToCloud uploads the buffer's persisted run directory. When
// persistedDir is empty, the most recently modified directory under the
// output dir whose name starts with the run id is used. Returns the
// artifact index storage key, or "" when nothing could be uploaded.
func (b *Buffer) UploadToCloud(ctx context.Context, apiKey, apiURL, persistedDir string, logger zerolog.Logger) string {
	u := NewUploader(apiKey, apiURL, logger)
	if persistedDir == "" {
		persistedDir = findPersistedDir(b.opts.OutputDir, b.runID)
		if persistedDir == "" {
			logger.Warn().Str("run_id", b.runID).Msg("no persisted run directory to upload")
			return ""
		}
	}
	return u.Upload(ctx, b.runID, persistedDir)
}

// findPersistedDir scans outputDir for <runID>-prefixed directories and
// picks the most recently modified.
func findPersistedDir(outputDir, runID string) string {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return ""
	}
	var best string
	var bestMod time.Time
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), runID) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(outputDir, e.Name())
			bestMod = info.ModTime()
		}
	}
	return best
}

// Upload runs the full protocol against one persisted run directory.
func (u *Uploader) Upload(ctx context.Context, runID, dir string) string {
	manifest, err := readManifest(dir)
	if err != nil {
		u.Logger.Warn().Err(err).Str("dir", dir).Msg("upload aborted: unreadable manifest")
		return ""
	}

	items := collectArtifacts(dir, manifest)
	if len(items) == 0 {
		u.Logger.Warn().Str("dir", dir).Msg("upload aborted: no artifacts found")
		return ""
	}

	initResp, err := u.initUpload(ctx, runID, items)
	if err != nil {
		u.Logger.Warn().Err(err).Msg("artifact upload init failed")
		return ""
	}

	uploaded := u.putArtifacts(ctx, items, initResp.UploadURLs)
	if len(uploaded) == 0 {
		u.Logger.Warn().Msg("no artifacts uploaded successfully")
		return ""
	}

	indexKey := initResp.ArtifactIndexUpload.StorageKey
	if err := u.putIndex(ctx, initResp.ArtifactIndexUpload.UploadURL, runID, uploaded); err != nil {
		u.Logger.Warn().Err(err).Msg("artifact index upload failed")
		return ""
	}

	if err := u.complete(ctx, runID, indexKey, items, manifest); err != nil {
		// Completion is bookkeeping on the server side; the artifacts and
		// index are already durable.
		u.Logger.Warn().Err(err).Msg("artifact upload completion failed")
	}

	u.Logger.Info().
		Int("artifacts", len(uploaded)).
		Str("index_key", indexKey).
		Msg("artifacts uploaded")
	return indexKey
}

func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// collectArtifacts lists the files to upload with sizes and content types.
func collectArtifacts(dir string, manifest *Manifest) []uploadArtifact {
	var items []uploadArtifact
	add := func(name, contentType string) {
		path := filepath.Join(dir, filepath.FromSlash(name))
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		items = append(items, uploadArtifact{
			Name:        name,
			SizeBytes:   info.Size(),
			ContentType: contentType,
			localPath:   path,
		})
	}

	add("manifest.json", "application/json")
	add("steps.json", "application/json")
	if manifest.Snapshot != nil {
		add(*manifest.Snapshot, "application/json")
	}
	if manifest.Diagnostics != nil {
		add(*manifest.Diagnostics, "application/json")
	}
	if manifest.Clip != nil {
		add(*manifest.Clip, "video/mp4")
	}

	frames, err := os.ReadDir(filepath.Join(dir, "frames"))
	if err == nil {
		for _, f := range frames {
			if f.IsDir() {
				continue
			}
			var ct string
			switch strings.ToLower(filepath.Ext(f.Name())) {
			case ".png":
				ct = "image/png"
			case ".jpeg", ".jpg":
				ct = "image/jpeg"
			default:
				continue
			}
			add("frames/"+f.Name(), ct)
		}
	}
	return items
}

func (u *Uploader) initUpload(ctx context.Context, runID string, items []uploadArtifact) (*initResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	body, err := json.Marshal(initRequest{RunID: runID, Artifacts: items})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.APIURL+"/v1/traces/artifacts/init", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.APIKey)

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("init returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var parsed initResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parsing init response: %w", err)
	}
	return &parsed, nil
}

// putArtifacts PUTs every artifact to its presigned URL with bounded
// concurrency. Individual failures are logged and skipped; the index only
// covers what actually landed.
func (u *Uploader) putArtifacts(ctx context.Context, items []uploadArtifact, urls []uploadURL) []indexEntry {
	urlByName := make(map[string]uploadURL, len(urls))
	for _, entry := range urls {
		urlByName[entry.Name] = entry
	}

	var mu sync.Mutex
	var uploaded []indexEntry
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(putConcurrency)
	for _, item := range items {
		item := item
		target, ok := urlByName[item.Name]
		if !ok {
			u.Logger.Warn().Str("artifact", item.Name).Msg("no presigned URL for artifact")
			continue
		}
		g.Go(func() error {
			if err := u.putFile(gctx, target.UploadURL, item); err != nil {
				u.Logger.Warn().Err(err).Str("artifact", item.Name).Msg("artifact PUT failed")
				return nil // per-file failure, not fatal to the group
			}
			mu.Lock()
			uploaded = append(uploaded, indexEntry{
				Name:        item.Name,
				StorageKey:  target.StorageKey,
				ContentType: item.ContentType,
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return uploaded
}

func (u *Uploader) putFile(ctx context.Context, url string, item uploadArtifact) error {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	f, err := os.Open(item.localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, "PUT", url, f)
	if err != nil {
		return err
	}
	req.ContentLength = item.SizeBytes
	req.Header.Set("Content-Type", item.ContentType)

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PUT returned %d", resp.StatusCode)
	}
	return nil
}

func (u *Uploader) putIndex(ctx context.Context, url, runID string, uploaded []indexEntry) error {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	raw, err := json.Marshal(artifactIndex{
		RunID:       runID,
		CreatedAtMs: time.Now().UnixMilli(),
		Artifacts:   uploaded,
	})
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", url, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("index PUT returned %d", resp.StatusCode)
	}
	return nil
}

func (u *Uploader) complete(ctx context.Context, runID, indexKey string, items []uploadArtifact, manifest *Manifest) error {
	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	stats := artifactStats{FramesCount: manifest.FrameCount}
	for _, item := range items {
		stats.TotalArtifactSize += item.SizeBytes
		switch {
		case item.Name == "manifest.json":
			stats.ManifestSizeBytes = item.SizeBytes
		case item.Name == "steps.json":
			stats.StepsSizeBytes = item.SizeBytes
		case item.Name == "snapshot.json":
			stats.SnapshotSizeBytes = item.SizeBytes
		case item.Name == "diagnostics.json":
			stats.DiagnosticsSizeBytes = item.SizeBytes
		case item.Name == "failure.mp4":
			stats.ClipSizeBytes = item.SizeBytes
		case strings.HasPrefix(item.Name, "frames/"):
			stats.FramesTotalSizeBytes += item.SizeBytes
		}
	}

	body, err := json.Marshal(completeRequest{RunID: runID, ArtifactIndexKey: indexKey, Stats: stats})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.APIURL+"/v1/traces/artifacts/complete", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.APIKey)

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("complete returned %d", resp.StatusCode)
	}
	return nil
}
