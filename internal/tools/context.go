package tools

import "context"

type serverConfigKey struct{}

// WithServerConfigs attaches resolved tool-server configs to the context for
// the duration of one agent request. Tools look their server up by name.
func WithServerConfigs(ctx context.Context, configs map[string]map[string]any) context.Context {
	return context.WithValue(ctx, serverConfigKey{}, configs)
}

// ServerConfig returns the resolved config for a named tool server, if the
// current request carries one.
func ServerConfig(ctx context.Context, server string) (map[string]any, bool) {
	configs, ok := ctx.Value(serverConfigKey{}).(map[string]map[string]any)
	if !ok {
		return nil, false
	}
	config, ok := configs[server]
	return config, ok
}
