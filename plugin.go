package relay

import (
	"context"
	"fmt"
	"maps"

	"golang.org/x/sync/errgroup"
)

// PluginTransport is the PluginInfo.Type of plugins that provide a transport.
const PluginTransport = "transport"

// Plugin extends an engine. It may register routes and hooks on e directly
// and describes itself through the returned PluginInfo, which may be nil.
type Plugin func(ctx context.Context, e *Engine, args ...any) (*PluginInfo, error)

// PluginInfo describes a loaded plugin.
type PluginInfo struct {
	// Name identifies the plugin. Required for transport plugins.
	Name string
	// Type is PluginTransport for transports; other values are free form.
	Type string
	// Routes is a catalogue of the routes the plugin offers, readable
	// through Engine.Routes.
	Routes map[string]any
	// Transport is registered under Name when Type is PluginTransport.
	Transport Transport
	// Options apply to the transport registration.
	Options []TransportOption
}

// Use loads a plugin. Transport plugins are registered under their name;
// other named plugins have their route catalogue stored.
//
// Example:
//
//	if _, err := e.Use(ctx, nats.Plugin(nats.Config{URL: "nats://localhost:4222"})); err != nil {
//	    return err
//	}
func (e *Engine) Use(ctx context.Context, plugin Plugin, args ...any) (*PluginInfo, error) {
	if plugin == nil {
		return nil, newError(KindUsage, "", "plugin function expected")
	}
	info, err := plugin(ctx, e, args...)
	if err != nil {
		return nil, fmt.Errorf("load plugin: %w", err)
	}
	if info == nil {
		return nil, nil
	}

	if info.Type == PluginTransport {
		if info.Name == "" {
			return nil, newError(KindUsage, "", "transport plugins must return a name")
		}
		if info.Transport == nil {
			return nil, newError(KindUsage, "", "transport plugin %s returned no transport", info.Name)
		}
		if err := e.RegisterTransport(info.Name, info.Transport, info.Options...); err != nil {
			return nil, err
		}
		return info, nil
	}

	if info.Name != "" && info.Routes != nil {
		e.mu.Lock()
		cat, ok := e.catalog[info.Name]
		if !ok {
			cat = make(map[string]any, len(info.Routes))
			e.catalog[info.Name] = cat
		}
		maps.Copy(cat, info.Routes)
		e.mu.Unlock()
	}
	e.log.Infof("plugin %s loaded", info.Name)
	return info, nil
}

// Routes returns a copy of the route catalogue of the named plugin, or nil.
func (e *Engine) Routes(plugin string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.catalog[plugin])
}

// Connect connects every transport implementing Connector, in parallel,
// and then subscribes Follower transports if anything is followed.
func (e *Engine) Connect(ctx context.Context) error {
	err := e.each(ctx, "connect", func(ctx context.Context, t Transport) error {
		if c, ok := t.(Connector); ok {
			return c.Connect(ctx)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if e.bus.hasFollowers() {
		return e.followRemote(ctx)
	}
	return nil
}

// Disconnect disconnects every transport implementing Connector.
func (e *Engine) Disconnect(ctx context.Context) error {
	err := e.each(ctx, "disconnect", func(ctx context.Context, t Transport) error {
		if c, ok := t.(Connector); ok {
			return c.Disconnect(ctx)
		}
		return nil
	})
	e.mu.Lock()
	clear(e.followed)
	e.mu.Unlock()
	return err
}

// Listen starts every transport implementing Server.
func (e *Engine) Listen(ctx context.Context) error {
	return e.each(ctx, "listen", func(ctx context.Context, t Transport) error {
		if s, ok := t.(Server); ok {
			return s.Listen(ctx)
		}
		return nil
	})
}

// Close stops every transport implementing Server, stops delivering
// notifications and releases the dedup cache.
func (e *Engine) Close(ctx context.Context) error {
	err := e.each(ctx, "close", func(ctx context.Context, t Transport) error {
		if s, ok := t.(Server); ok {
			return s.Close(ctx)
		}
		return nil
	})
	e.bus.close()
	return err
}

// each runs fn on every registered transport in parallel.
func (e *Engine) each(ctx context.Context, op string, fn func(context.Context, Transport) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, te := range e.routes.transportList() {
		g.Go(func() error {
			if err := fn(ctx, te.transport); err != nil {
				return wrapError(KindTransport, "", fmt.Errorf("%s %s: %w", op, te.name, err))
			}
			e.log.Debugw("transport "+op, map[string]any{"transport": te.name})
			return nil
		})
	}
	return g.Wait()
}
