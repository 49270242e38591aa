package browser

import (
	"fmt"
	"os"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// LaunchConfig configures the headless browser.
type LaunchConfig struct {
	Width   int
	Height  int
	URL     string
	Headful bool
}

// newLauncher creates a launcher.Launcher configured for deterministic
// verification runs: no background throttling, no extension or sync
// overhead, consistent font rendering for screenshots.
func newLauncher(headful bool) *launcher.Launcher {
	l := launcher.New().
		HeadlessNew(!headful).
		NoSandbox(true).
		Set("disable-dev-shm-usage").
		Set("font-render-hinting", "none").
		Set("disable-background-timer-throttling").
		Set("disable-renderer-backgrounding").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-extensions").
		Set("disable-component-update").
		Set("disable-background-networking").
		Set("mute-audio").
		Set("no-first-run").
		Set("disable-sync").
		Set("disable-default-apps")

	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		l = l.Bin(bin)
	}
	return l
}

// Launch starts a browser, opens a page at cfg.URL, and returns the wrapped
// page plus a cleanup function that closes the browser.
func Launch(cfg LaunchConfig, logger zerolog.Logger) (*RodPage, func(), error) {
	width := cfg.Width
	height := cfg.Height
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}

	u, err := newLauncher(cfg.Headful).Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("launching browser: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, nil, fmt.Errorf("connecting to browser: %w", err)
	}
	cleanup := func() { b.Close() }

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("creating page: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	}); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("setting viewport: %w", err)
	}

	// Enable download events so the page wrapper can track them.
	_ = proto.BrowserSetDownloadBehavior{
		Behavior:      proto.BrowserSetDownloadBehaviorBehaviorAllowAndName,
		EventsEnabled: true,
	}.Call(page)

	rp := NewRodPage(page, logger)
	rp.viewportWidth = width
	rp.viewportHeight = height

	if cfg.URL != "" {
		if err := rp.Navigate(cfg.URL); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	logger.Info().Str("url", cfg.URL).Int("width", width).Int("height", height).Msg("browser ready")
	return rp, cleanup, nil
}
