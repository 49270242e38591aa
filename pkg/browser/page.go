// Package browser is the rod-backed driver for the verification runtime: a
// headless Chrome launcher, a page wrapper exposing the interaction
// primitives the engine consumes, and a DOM snapshotter.
package browser

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// DownloadEntry is one tracked browser download. Status moves through
// started → completed | failed.
type DownloadEntry struct {
	Status            string `json:"status"`
	SuggestedFilename string `json:"suggested_filename,omitempty"`
	URL               string `json:"url,omitempty"`
	Path              string `json:"path,omitempty"`
	SizeBytes         int64  `json:"size_bytes,omitempty"`
	MimeType          string `json:"mime_type,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Page is the driver surface the engine and tools consume. RodPage is the
// in-repo implementation; tests substitute fakes.
type Page interface {
	URL() string
	Screenshot(format string, quality int) ([]byte, error)
	Click(x, y float64) error
	Wheel(dx, dy float64) error
	Press(key string) error
	Type(text string) error
	Eval(js string, args ...any) (string, error)
	Navigate(url string) error
	WaitTimeout(d time.Duration)
	Downloads() []DownloadEntry
}

// RodPage wraps a *rod.Page to implement Page.
type RodPage struct {
	page           *rod.Page
	viewportWidth  int
	viewportHeight int
	logger         zerolog.Logger

	mu        sync.Mutex
	downloads []DownloadEntry
	byGUID    map[string]int
}

// NewRodPage wraps an existing rod page. Viewport defaults to 1280x720 for
// coordinate clamping when the page cannot report its size.
func NewRodPage(page *rod.Page, logger zerolog.Logger) *RodPage {
	p := &RodPage{
		page:           page,
		viewportWidth:  1280,
		viewportHeight: 720,
		logger:         logger,
		byGUID:         make(map[string]int),
	}
	p.watchDownloads()
	return p
}

// Rod exposes the underlying rod page for callers that need raw CDP access.
func (p *RodPage) Rod() *rod.Page { return p.page }

// URL returns the current page URL, or empty string if the page is gone.
func (p *RodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Screenshot captures the viewport. format is "jpeg" or "png"; quality only
// applies to jpeg.
func (p *RodPage) Screenshot(format string, quality int) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{OptimizeForSpeed: true}
	switch format {
	case "png":
		req.Format = proto.PageCaptureScreenshotFormatPng
	case "jpeg", "":
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		if quality <= 0 || quality > 100 {
			quality = 60
		}
		req.Quality = &quality
	default:
		return nil, fmt.Errorf("screenshot: unsupported format %q", format)
	}
	data, err := p.page.Screenshot(false, req)
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return data, nil
}

// Click dispatches a trusted CDP mouse click at viewport coordinates. The
// cursor is moved first — some pages track position via mousemove and only
// register clicks at the last-known cursor location.
func (p *RodPage) Click(x, y float64) error {
	x, y = p.clamp(x, y)
	_ = (proto.InputDispatchMouseEvent{
		Type: proto.InputDispatchMouseEventTypeMouseMoved,
		X:    x,
		Y:    y,
	}).Call(p.page)
	if err := (proto.InputDispatchMouseEvent{
		Type:       proto.InputDispatchMouseEventTypeMousePressed,
		X:          x,
		Y:          y,
		Button:     proto.InputMouseButtonLeft,
		ClickCount: 1,
	}).Call(p.page); err != nil {
		return fmt.Errorf("mouse press at (%.0f,%.0f): %w", x, y, err)
	}
	if err := (proto.InputDispatchMouseEvent{
		Type:       proto.InputDispatchMouseEventTypeMouseReleased,
		X:          x,
		Y:          y,
		Button:     proto.InputMouseButtonLeft,
		ClickCount: 1,
	}).Call(p.page); err != nil {
		return fmt.Errorf("mouse release at (%.0f,%.0f): %w", x, y, err)
	}
	return nil
}

// Wheel scrolls by the given delta in pixels.
func (p *RodPage) Wheel(dx, dy float64) error {
	return p.page.Mouse.Scroll(dx, dy, 3)
}

// keyDef is the CDP identity of a named key.
type keyDef struct {
	key  string
	code string
	vk   int
}

var namedKeys = map[string]keyDef{
	"Enter":      {"Enter", "Enter", 13},
	"Tab":        {"Tab", "Tab", 9},
	"Escape":     {"Escape", "Escape", 27},
	"Space":      {" ", "Space", 32},
	"Backspace":  {"Backspace", "Backspace", 8},
	"Delete":     {"Delete", "Delete", 46},
	"ArrowUp":    {"ArrowUp", "ArrowUp", 38},
	"ArrowDown":  {"ArrowDown", "ArrowDown", 40},
	"ArrowLeft":  {"ArrowLeft", "ArrowLeft", 37},
	"ArrowRight": {"ArrowRight", "ArrowRight", 39},
	"PageUp":     {"PageUp", "PageUp", 33},
	"PageDown":   {"PageDown", "PageDown", 34},
	"Home":       {"Home", "Home", 36},
	"End":        {"End", "End", 35},
}

// Press dispatches a key press via CDP. Named keys (Enter, Tab, Escape,
// arrows, ...) send rawKeyDown/keyUp pairs; a single character sends a char
// event, which is what text inputs expect.
func (p *RodPage) Press(key string) error {
	if def, ok := namedKeys[key]; ok {
		vk := def.vk
		if err := (proto.InputDispatchKeyEvent{
			Type:                  proto.InputDispatchKeyEventTypeRawKeyDown,
			Key:                   def.key,
			Code:                  def.code,
			WindowsVirtualKeyCode: vk,
		}).Call(p.page); err != nil {
			return fmt.Errorf("key down %q: %w", key, err)
		}
		if err := (proto.InputDispatchKeyEvent{
			Type:                  proto.InputDispatchKeyEventTypeKeyUp,
			Key:                   def.key,
			Code:                  def.code,
			WindowsVirtualKeyCode: vk,
		}).Call(p.page); err != nil {
			return fmt.Errorf("key up %q: %w", key, err)
		}
		return nil
	}
	if len([]rune(key)) == 1 {
		if err := (proto.InputDispatchKeyEvent{
			Type: proto.InputDispatchKeyEventTypeChar,
			Text: key,
		}).Call(p.page); err != nil {
			return fmt.Errorf("char %q: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("press: unknown key %q", key)
}

// Type inserts text into the focused element.
func (p *RodPage) Type(text string) error {
	return p.page.InsertText(text)
}

// Eval runs a JavaScript function in the page and returns the result as a
// compact JSON string.
func (p *RodPage) Eval(js string, args ...any) (string, error) {
	result, err := p.page.Eval(js, args...)
	if err != nil {
		return "", fmt.Errorf("eval failed: %w", err)
	}
	if result == nil {
		return "null", nil
	}
	return result.Value.JSON("", ""), nil
}

// Navigate loads url and waits for load + a short idle window.
func (p *RodPage) Navigate(url string) error {
	if err := p.page.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := p.page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load after navigate: %w", err)
	}
	_ = p.page.WaitIdle(3 * time.Second) // best-effort; timeout is not an error
	return nil
}

// WaitTimeout sleeps for d. Driver-side sleep keeps the suspension point in
// one place for the cooperative engine loop.
func (p *RodPage) WaitTimeout(d time.Duration) {
	time.Sleep(d)
}

// Downloads returns a copy of the tracked download entries.
func (p *RodPage) Downloads() []DownloadEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DownloadEntry, len(p.downloads))
	copy(out, p.downloads)
	return out
}

// watchDownloads subscribes to CDP download events. Tracking is
// best-effort: a browser that never emits them just leaves the list empty.
func (p *RodPage) watchDownloads() {
	go p.page.EachEvent(
		func(e *proto.BrowserDownloadWillBegin) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.byGUID[string(e.GUID)] = len(p.downloads)
			p.downloads = append(p.downloads, DownloadEntry{
				Status:            "started",
				SuggestedFilename: e.SuggestedFilename,
				URL:               e.URL,
			})
			p.logger.Debug().Str("file", e.SuggestedFilename).Msg("download started")
		},
		func(e *proto.BrowserDownloadProgress) {
			p.mu.Lock()
			defer p.mu.Unlock()
			idx, ok := p.byGUID[string(e.GUID)]
			if !ok {
				return
			}
			switch e.State {
			case proto.BrowserDownloadProgressStateCompleted:
				p.downloads[idx].Status = "completed"
				p.downloads[idx].SizeBytes = int64(e.TotalBytes)
			case proto.BrowserDownloadProgressStateCanceled:
				p.downloads[idx].Status = "failed"
				p.downloads[idx].Error = "canceled"
			}
		},
	)()
}

func (p *RodPage) clamp(x, y float64) (float64, float64) {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if x >= float64(p.viewportWidth) {
		x = float64(p.viewportWidth - 1)
	}
	if y >= float64(p.viewportHeight) {
		y = float64(p.viewportHeight - 1)
	}
	return x, y
}
