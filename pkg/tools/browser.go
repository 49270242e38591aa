package tools

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sentienceapi/sentience-go/pkg/browser"
	"github.com/sentienceapi/sentience-go/pkg/snapshot"
	"github.com/sentienceapi/sentience-go/pkg/verify"
)

// BrowserRuntime is the CallContext.Runtime payload for the browser tool
// set.
type BrowserRuntime struct {
	Page   browser.Page
	Engine *verify.Engine
}

// settleDelay gives the page a beat to react before the next observation.
const settleDelay = 150 * time.Millisecond

func browserRuntime(ctx *CallContext) (*BrowserRuntime, error) {
	rt, ok := ctx.Runtime.(*BrowserRuntime)
	if !ok || rt == nil || rt.Page == nil {
		return nil, fmt.Errorf("browser tools require a BrowserRuntime")
	}
	return rt, nil
}

func okOutput() map[string]any { return map[string]any{"ok": true} }

var okSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"ok": map[string]any{"type": "boolean"},
	},
	"required": []any{"ok"},
}

// RegisterBrowserTools registers the interaction primitives a planner
// drives: click, type_text, press_key, scroll, navigate, screenshot, and
// snapshot. Each action is recorded with the engine so the artifact buffer
// sees it.
func RegisterBrowserTools(r *Registry) error {
	specs := []Spec{
		{
			Name:        "click",
			Description: "Click at pixel coordinates on the page.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"x": map[string]any{"type": "number", "description": "X coordinate in pixels"},
					"y": map[string]any{"type": "number", "description": "Y coordinate in pixels"},
				},
				"required":             []any{"x", "y"},
				"additionalProperties": false,
			},
			OutputSchema: okSchema,
			Handler: func(ctx *CallContext, input map[string]any) (map[string]any, error) {
				rt, err := browserRuntime(ctx)
				if err != nil {
					return nil, err
				}
				x := input["x"].(float64)
				y := input["y"].(float64)
				if err := rt.Page.Click(x, y); err != nil {
					return nil, err
				}
				rt.Page.WaitTimeout(settleDelay)
				if rt.Engine != nil {
					rt.Engine.RecordAction(fmt.Sprintf("CLICK(%.0f,%.0f)", x, y), rt.Page.URL())
				}
				return okOutput(), nil
			},
		},
		{
			Name:        "type_text",
			Description: "Type text into the focused element.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required":             []any{"text"},
				"additionalProperties": false,
			},
			OutputSchema: okSchema,
			Handler: func(ctx *CallContext, input map[string]any) (map[string]any, error) {
				rt, err := browserRuntime(ctx)
				if err != nil {
					return nil, err
				}
				text := input["text"].(string)
				if err := rt.Page.Type(text); err != nil {
					return nil, err
				}
				if rt.Engine != nil {
					rt.Engine.RecordAction("TYPE", rt.Page.URL())
				}
				return okOutput(), nil
			},
		},
		{
			Name:        "press_key",
			Description: "Press a keyboard key (Enter, Tab, Escape, arrows, or a single character).",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key": map[string]any{"type": "string"},
				},
				"required":             []any{"key"},
				"additionalProperties": false,
			},
			OutputSchema: okSchema,
			Handler: func(ctx *CallContext, input map[string]any) (map[string]any, error) {
				rt, err := browserRuntime(ctx)
				if err != nil {
					return nil, err
				}
				key := input["key"].(string)
				if err := rt.Page.Press(key); err != nil {
					return nil, err
				}
				if rt.Engine != nil {
					rt.Engine.RecordAction("PRESS("+key+")", rt.Page.URL())
				}
				return okOutput(), nil
			},
		},
		{
			Name:        "scroll",
			Description: "Scroll the page by a pixel delta.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"dx": map[string]any{"type": "number"},
					"dy": map[string]any{"type": "number"},
				},
				"additionalProperties": false,
			},
			OutputSchema: okSchema,
			Handler: func(ctx *CallContext, input map[string]any) (map[string]any, error) {
				rt, err := browserRuntime(ctx)
				if err != nil {
					return nil, err
				}
				dx, _ := input["dx"].(float64)
				dy, _ := input["dy"].(float64)
				if err := rt.Page.Wheel(dx, dy); err != nil {
					return nil, err
				}
				if rt.Engine != nil {
					rt.Engine.RecordAction("SCROLL", rt.Page.URL())
				}
				return okOutput(), nil
			},
		},
		{
			Name:        "navigate",
			Description: "Navigate to a URL and wait for the page to load.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string"},
				},
				"required":             []any{"url"},
				"additionalProperties": false,
			},
			OutputSchema: okSchema,
			Handler: func(ctx *CallContext, input map[string]any) (map[string]any, error) {
				rt, err := browserRuntime(ctx)
				if err != nil {
					return nil, err
				}
				url := input["url"].(string)
				if err := rt.Page.Navigate(url); err != nil {
					return nil, err
				}
				if rt.Engine != nil {
					rt.Engine.RecordAction("NAVIGATE", url)
				}
				return okOutput(), nil
			},
		},
		{
			Name:        "screenshot",
			Description: "Capture a screenshot of the current page state.",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"image_b64": map[string]any{"type": "string"},
				},
				"required": []any{"image_b64"},
			},
			Handler: func(ctx *CallContext, input map[string]any) (map[string]any, error) {
				rt, err := browserRuntime(ctx)
				if err != nil {
					return nil, err
				}
				data, err := rt.Page.Screenshot("jpeg", 60)
				if err != nil {
					return nil, err
				}
				return map[string]any{"image_b64": base64.StdEncoding.EncodeToString(data)}, nil
			},
		},
		{
			Name:        "snapshot",
			Description: "Take a structured snapshot of the page (URL, elements, diagnostics).",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url":        map[string]any{"type": "string"},
					"elements":   map[string]any{"type": "integer"},
					"confidence": map[string]any{"type": "number"},
				},
				"required": []any{"url", "elements", "confidence"},
			},
			Handler: func(ctx *CallContext, input map[string]any) (map[string]any, error) {
				rt, err := browserRuntime(ctx)
				if err != nil {
					return nil, err
				}
				if rt.Engine == nil {
					return nil, fmt.Errorf("snapshot tool requires an engine")
				}
				snap, err := rt.Engine.Snapshot(snapshot.Options{Source: "tool"})
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"url":        snap.URL,
					"elements":   len(snap.Elements),
					"confidence": snap.Diagnostics.Confidence,
				}, nil
			},
		},
	}

	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
