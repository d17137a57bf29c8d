package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/codeready-toolchain/livewire/pkg/component"
	"github.com/codeready-toolchain/livewire/pkg/registry"
	"github.com/codeready-toolchain/livewire/pkg/version"
)

// registerComponents installs the built-in component catalog. Deployments
// embedding the runtime register their own types instead.
func registerComponents(reg *registry.Registry) error {
	types := []*component.Type{
		counterType(),
		clockType(),
		configViewerType(),
		dashboardType(),
	}
	for _, t := range types {
		if err := reg.RegisterType(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}

func counterType() *component.Type {
	return &component.Type{
		Name: "Counter",
		InitialState: func(props map[string]any) (map[string]any, error) {
			start := 0.0
			if v, ok := props["start"].(float64); ok {
				start = v
			}
			step := 1.0
			if v, ok := props["step"].(float64); ok && v != 0 {
				step = v
			}
			return map[string]any{"count": start, "step": step}, nil
		},
		Actions: map[string]component.ActionFunc{
			"increment": func(_ context.Context, st, _ map[string]any) (map[string]any, any, error) {
				count, _ := st["count"].(float64)
				step, _ := st["step"].(float64)
				st["count"] = count + step
				return st, st["count"], nil
			},
			"decrement": func(_ context.Context, st, _ map[string]any) (map[string]any, any, error) {
				count, _ := st["count"].(float64)
				step, _ := st["step"].(float64)
				st["count"] = count - step
				return st, st["count"], nil
			},
			"reset": func(_ context.Context, st, payload map[string]any) (map[string]any, any, error) {
				to := 0.0
				if v, ok := payload["to"].(float64); ok {
					to = v
				}
				st["count"] = to
				return st, to, nil
			},
		},
	}
}

func clockType() *component.Type {
	return &component.Type{
		Name: "Clock",
		InitialState: func(props map[string]any) (map[string]any, error) {
			zone := "UTC"
			if v, ok := props["zone"].(string); ok && v != "" {
				zone = v
			}
			if _, err := time.LoadLocation(zone); err != nil {
				return nil, fmt.Errorf("unknown time zone %q: %w", zone, err)
			}
			return map[string]any{
				"zone": zone,
				"now":  time.Now().UTC().Format(time.RFC3339),
			}, nil
		},
		Actions: map[string]component.ActionFunc{
			"tick": func(_ context.Context, st, _ map[string]any) (map[string]any, any, error) {
				zone, _ := st["zone"].(string)
				loc, err := time.LoadLocation(zone)
				if err != nil {
					return nil, nil, err
				}
				now := time.Now().In(loc).Format(time.RFC3339)
				st["now"] = now
				return st, now, nil
			},
		},
	}
}

func configViewerType() *component.Type {
	return &component.Type{
		Name: "ConfigViewer",
		InitialState: func(map[string]any) (map[string]any, error) {
			return map[string]any{"snapshot": nil, "refreshed_at": nil}, nil
		},
		Dependencies: []component.Dependency{
			{
				Name:       "runtime_info",
				Kind:       component.DepService,
				Required:   true,
				Resolution: component.ResolveLazy,
				Resolve: func(context.Context) (any, error) {
					return map[string]any{
						"version":    version.Full(),
						"go_version": runtime.Version(),
						"num_cpu":    runtime.NumCPU(),
					}, nil
				},
			},
		},
		Actions: map[string]component.ActionFunc{
			"refresh": func(_ context.Context, st, _ map[string]any) (map[string]any, any, error) {
				st["snapshot"] = map[string]any{
					"version":    version.Full(),
					"go_version": runtime.Version(),
					"goroutines": runtime.NumGoroutine(),
				}
				st["refreshed_at"] = time.Now().UTC().Format(time.RFC3339)
				return st, st["snapshot"], nil
			},
		},
	}
}

// dashboardType auto-mounts a Counter and a Clock as children.
func dashboardType() *component.Type {
	return &component.Type{
		Name: "Dashboard",
		InitialState: func(props map[string]any) (map[string]any, error) {
			title := "Dashboard"
			if v, ok := props["title"].(string); ok && v != "" {
				title = v
			}
			return map[string]any{"title": title}, nil
		},
		Dependencies: []component.Dependency{
			{Name: "Counter", Kind: component.DepComponent, Required: true, Resolution: component.ResolveImmediate},
			{Name: "Clock", Kind: component.DepComponent, Required: true, Resolution: component.ResolveImmediate},
		},
		Actions: map[string]component.ActionFunc{
			"rename": func(_ context.Context, st, payload map[string]any) (map[string]any, any, error) {
				title, ok := payload["title"].(string)
				if !ok || title == "" {
					return nil, nil, fmt.Errorf("rename requires a title")
				}
				st["title"] = title
				return st, title, nil
			},
		},
	}
}
