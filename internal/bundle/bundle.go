// Package bundle turns a service directory into a loadable module: it
// bundles the entrypoint with esbuild, packs the result into a compressed
// archive and caches built code by content hash.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// EntrypointCandidates are tried in order when a service path is a
// directory.
var EntrypointCandidates = []string{"index.ts", "index.tsx", "index.js", "index.mjs", "main.ts", "main.js"}

// MaxRemoteModuleBytes caps a single module fetched over HTTP.
const MaxRemoteModuleBytes = 10 << 20

const remoteNamespace = "remote"

// Bundle is a built service: the bundled code plus the sources it was built
// from, keyed by slash-separated path relative to the service root.
type Bundle struct {
	Entrypoint string            `json:"entrypoint"`
	Code       string            `json:"code"`
	Sources    map[string]string `json:"sources"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Options configures Build.
type Options struct {
	// Entrypoint is a file or a directory holding one of the
	// EntrypointCandidates.
	Entrypoint string
	// ImportMap is applied to bare and remote specifiers. May be nil.
	ImportMap *ImportMap
	// Client fetches remote modules. Defaults to a client with a 30s
	// timeout.
	Client *http.Client
}

// ResolveEntrypoint returns the entrypoint file for path.
func ResolveEntrypoint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return filepath.Abs(path)
	}
	for _, name := range EntrypointCandidates {
		p := filepath.Join(path, name)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return filepath.Abs(p)
		}
	}
	return "", fmt.Errorf("no entrypoint (%s) in %s", strings.Join(EntrypointCandidates, ", "), path)
}

// Build bundles the entrypoint and every module it imports into a single
// ES module.
func Build(ctx context.Context, opts Options) (*Bundle, error) {
	entry, err := ResolveEntrypoint(opts.Entrypoint)
	if err != nil {
		return nil, err
	}
	root := filepath.Dir(entry)
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	rl := &remoteLoader{ctx: ctx, client: client, sources: make(map[string]string)}

	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{entry},
		AbsWorkingDir: root,
		Bundle:        true,
		Format:        esbuild.FormatESModule,
		Platform:      esbuild.PlatformNeutral,
		MainFields:    []string{"module", "main"},
		Target:        esbuild.ES2022,
		Write:         false,
		Metafile:      true,
		LogLevel:      esbuild.LogLevelSilent,
		Plugins:       []esbuild.Plugin{importMapPlugin(opts.ImportMap, rl)},
	})
	if len(result.Errors) > 0 {
		return nil, buildError(result.Errors)
	}
	if len(result.OutputFiles) == 0 {
		return nil, fmt.Errorf("bundling %s produced no output", entry)
	}

	sources, err := collectSources(root, result.Metafile, rl)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Entrypoint: filepath.ToSlash(filepath.Base(entry)),
		Code:       string(result.OutputFiles[0].Contents),
		Sources:    sources,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func buildError(msgs []esbuild.Message) error {
	var parts []string
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
		} else {
			parts = append(parts, m.Text)
		}
	}
	return fmt.Errorf("bundling: %s", strings.Join(parts, "; "))
}

// collectSources reads back every local input listed in the metafile.
// Remote inputs are taken from what the loader fetched.
func collectSources(root, metafile string, rl *remoteLoader) (map[string]string, error) {
	var meta struct {
		Inputs map[string]json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(metafile), &meta); err != nil {
		return nil, fmt.Errorf("reading bundle metafile: %w", err)
	}
	sources := make(map[string]string, len(meta.Inputs))
	for in := range meta.Inputs {
		if ns, p, ok := strings.Cut(in, ":"); ok && ns == remoteNamespace {
			if src, found := rl.source(p); found {
				sources[remoteSourcePath(p)] = src
			}
			continue
		}
		abs := in
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(root, filepath.FromSlash(in))
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			// Modules outside the service root are bundled but not archived.
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("reading bundled source: %w", err)
		}
		sources[filepath.ToSlash(rel)] = string(data)
	}
	return sources, nil
}

// remoteSourcePath stores a fetched module under remote/<host>/<path>.
func remoteSourcePath(rawURL string) string {
	u := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	return "remote/" + u
}

func importMapPlugin(m *ImportMap, rl *remoteLoader) esbuild.Plugin {
	return esbuild.Plugin{
		Name: "import-map",
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: `.*`},
				func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
					spec := args.Path
					if target, ok := m.Resolve(spec); ok {
						spec = target
					}
					switch {
					case isRemote(spec):
						return esbuild.OnResolveResult{Path: spec, Namespace: remoteNamespace}, nil
					case args.Namespace == remoteNamespace && !isBare(spec):
						// Relative import inside a remote module.
						u, err := resolveURL(args.Importer, spec)
						if err != nil {
							return esbuild.OnResolveResult{}, err
						}
						return esbuild.OnResolveResult{Path: u, Namespace: remoteNamespace}, nil
					case strings.HasPrefix(spec, "npm:"), strings.HasPrefix(spec, "jsr:"):
						return esbuild.OnResolveResult{}, fmt.Errorf("%s specifiers are not supported: %s", spec[:3], spec)
					case spec != args.Path:
						return esbuild.OnResolveResult{Path: spec}, nil
					}
					return esbuild.OnResolveResult{}, nil
				})
			build.OnLoad(esbuild.OnLoadOptions{Filter: `.*`, Namespace: remoteNamespace},
				func(args esbuild.OnLoadArgs) (esbuild.OnLoadResult, error) {
					src, err := rl.fetch(args.Path)
					if err != nil {
						return esbuild.OnLoadResult{}, err
					}
					return esbuild.OnLoadResult{Contents: &src, Loader: loaderFor(args.Path)}, nil
				})
		},
	}
}

func isBare(spec string) bool {
	return !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") && !strings.HasPrefix(spec, "/")
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func loaderFor(path string) esbuild.Loader {
	switch strings.ToLower(filepath.Ext(strings.SplitN(path, "?", 2)[0])) {
	case ".ts", ".mts":
		return esbuild.LoaderTS
	case ".tsx":
		return esbuild.LoaderTSX
	case ".jsx":
		return esbuild.LoaderJSX
	case ".json":
		return esbuild.LoaderJSON
	default:
		return esbuild.LoaderJS
	}
}

// remoteLoader fetches http(s) modules once per build.
type remoteLoader struct {
	ctx    context.Context
	client *http.Client

	mu      sync.Mutex
	sources map[string]string
}

func (rl *remoteLoader) source(u string) (string, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s, ok := rl.sources[u]
	return s, ok
}

func (rl *remoteLoader) fetch(u string) (string, error) {
	if s, ok := rl.source(u); ok {
		return s, nil
	}
	req, err := http.NewRequestWithContext(rl.ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := rl.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: %s", u, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxRemoteModuleBytes+1))
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", u, err)
	}
	if len(data) > MaxRemoteModuleBytes {
		return "", fmt.Errorf("fetching %s: module exceeds %d bytes", u, MaxRemoteModuleBytes)
	}
	rl.mu.Lock()
	rl.sources[u] = string(data)
	rl.mu.Unlock()
	return string(data), nil
}
