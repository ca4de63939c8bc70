package manager

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
)

// ScraperMethod is one of the typed methods a Scraper-kind plugin exposes.
type ScraperMethod string

const (
	ScraperSearch     ScraperMethod = "search"
	ScraperGetDetails ScraperMethod = "get_details"
	ScraperGetChapter ScraperMethod = "get_chapter"
)

// FormatMethod is one of the typed methods a Format-kind plugin exposes.
type FormatMethod string

const (
	FormatDecode FormatMethod = "decode"
	FormatEncode FormatMethod = "encode"
	FormatProbe  FormatMethod = "probe"
)

// systemSupportedFormats are extensions the host decodes itself; a format
// plugin is never consulted for one of these even if it claims support.
var systemSupportedFormats = map[string]bool{
	"mp3": true, "m4a": true, "wav": true, "ogg": true,
	"flac": true, "aac": true, "wma": true, "opus": true, "m4b": true,
}

// CallScraper invokes method on the Scraper plugin registered under id,
// marshaling params and unmarshaling the result into result (which must
// be a pointer, or nil to discard the response body).
func (m *Manager) CallScraper(ctx context.Context, id string, method ScraperMethod, params, result any) error {
	return m.typedCall(ctx, "scraper", id, string(method), params, result)
}

// CallFormat invokes method on the Format plugin registered under id.
func (m *Manager) CallFormat(ctx context.Context, id string, method FormatMethod, params, result any) error {
	return m.typedCall(ctx, "format", id, string(method), params, result)
}

// CallUtility invokes an arbitrary method on the Utility plugin registered
// under id. Utility plugins have no fixed method enum: this is the escape
// hatch kind, so the caller supplies the method name directly.
func (m *Manager) CallUtility(ctx context.Context, id string, method string, params, result any) error {
	return m.typedCall(ctx, "utility", id, method, params, result)
}

// FindPluginForFormat returns the id of the plugin that should handle a
// file with the given extension (no leading dot, case-insensitive), or
// false if the extension is one the host decodes natively or no
// registered Format plugin claims it. System-supported extensions always
// win over a plugin claim, mirroring the original is_system_supported_format
// short-circuit.
func (m *Manager) FindPluginForFormat(extension string) (string, bool) {
	ext := normalizeExtension(extension)
	if systemSupportedFormats[ext] {
		return "", false
	}

	for _, id := range m.registry.List() {
		entry, ok := m.registry.Get(id)
		if !ok || entry.Metadata.Kind != pluginhost.KindFormat {
			continue
		}
		for _, supported := range entry.Metadata.SupportedExtensions {
			if normalizeExtension(supported) == ext {
				return id, true
			}
		}
	}
	return "", false
}

func normalizeExtension(ext string) string {
	out := ext
	for len(out) > 0 && out[0] == '.' {
		out = out[1:]
	}
	return toLowerASCII(out)
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// typedCall is the common path behind CallScraper/CallFormat/CallUtility:
// it resolves id to an Active plugin, accounts the in-flight call for
// unload's fail-fast/await-drain policy, marshals params, invokes the
// adapter, records metrics, and unmarshals the result.
func (m *Manager) typedCall(ctx context.Context, kind, id, method string, params, result any) (err error) {
	entry, ok := m.registry.Get(id)
	if !ok {
		return pluginhost.NotFoundf("plugin %s not registered", id)
	}
	if entry.State != pluginhost.StateActive {
		return pluginhost.ExecutionErrorf("plugin %s is not active (state=%s)", id, entry.State)
	}
	rt, ok := entry.Adapter.(runtime)
	if !ok {
		return pluginhost.ExecutionErrorf("plugin %s has no runtime adapter", id)
	}

	start := time.Now()
	m.registry.IncrementActiveCalls(id)
	defer func() {
		m.registry.DecrementActiveCalls(id)
		m.metrics.callLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		m.metrics.calls.WithLabelValues(kind, method, outcome).Inc()
	}()

	var paramsJSON []byte
	if params != nil {
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return pluginhost.WrapExecutionError(err, "marshaling params for %s on %s", method, id)
		}
	}

	resultJSON, err := rt.Invoke(ctx, method, paramsJSON)
	if err != nil {
		return err
	}
	if result == nil || len(resultJSON) == 0 {
		return nil
	}
	if err = json.Unmarshal(resultJSON, result); err != nil {
		return pluginhost.WrapExecutionError(err, "unmarshaling result of %s on %s", method, id)
	}
	return nil
}
