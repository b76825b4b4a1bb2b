package bundle

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cryguy/edgeruntime/internal/isolate"
)

// ImportMapNames are looked up in a service directory when no import map
// was configured.
var ImportMapNames = []string{"import_map.json", "deno.json"}

// Loader resolves service paths to modules. A service path is a directory,
// a single source file or a bundle archive.
type Loader struct {
	// Cache may be nil to disable caching.
	Cache *Cache
	// ImportMap applies to every service. When nil a service's own
	// import_map.json or deno.json is used.
	ImportMap *ImportMap
	Client    *http.Client
	Logger    *zap.Logger

	group singleflight.Group
}

func (l *Loader) log() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

// Load returns the module for servicePath. noCache skips the cache for
// both reading and writing.
func (l *Loader) Load(ctx context.Context, servicePath string, noCache bool) (isolate.Module, error) {
	if IsArchive(servicePath) {
		b, err := ReadArchive(servicePath)
		if err != nil {
			return isolate.Module{}, fmt.Errorf("reading bundle %s: %w", servicePath, err)
		}
		return moduleOf(b.Entrypoint, b.Code), nil
	}

	im, err := l.importMapFor(servicePath)
	if err != nil {
		return isolate.Module{}, err
	}
	if l.Cache == nil || noCache {
		b, err := Build(ctx, Options{Entrypoint: servicePath, ImportMap: im, Client: l.Client})
		if err != nil {
			return isolate.Module{}, err
		}
		return moduleOf(b.Entrypoint, b.Code), nil
	}

	hash, err := HashTree(servicePath, im)
	if err != nil {
		return isolate.Module{}, err
	}
	v, err, _ := l.group.Do(hash, func() (any, error) {
		if m, ok, err := l.Cache.Get(hash); err != nil {
			l.log().Warn("module cache read failed", zap.Error(err))
		} else if ok {
			l.log().Debug("module cache hit", zap.String("service", servicePath), zap.String("hash", hash))
			return moduleOf(m.Entrypoint, m.Code), nil
		}
		b, err := Build(ctx, Options{Entrypoint: servicePath, ImportMap: im, Client: l.Client})
		if err != nil {
			return nil, err
		}
		err = l.Cache.Put(&CachedModule{Hash: hash, ServicePath: servicePath, Entrypoint: b.Entrypoint, Code: b.Code})
		if err != nil {
			l.log().Warn("module cache write failed", zap.Error(err))
		}
		return moduleOf(b.Entrypoint, b.Code), nil
	})
	if err != nil {
		return isolate.Module{}, err
	}
	return v.(isolate.Module), nil
}

func (l *Loader) importMapFor(servicePath string) (*ImportMap, error) {
	if l.ImportMap != nil {
		return l.ImportMap, nil
	}
	dir := servicePath
	if info, err := os.Stat(servicePath); err != nil {
		return nil, err
	} else if !info.IsDir() {
		dir = filepath.Dir(servicePath)
	}
	for _, name := range ImportMapNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return LoadImportMap(p)
		}
	}
	return nil, nil
}

// moduleOf names the bundled output as JavaScript whatever the source
// language was.
func moduleOf(entrypoint, code string) isolate.Module {
	name := entrypoint
	if ext := filepath.Ext(name); ext != ".js" {
		name = name[:len(name)-len(ext)] + ".js"
	}
	return isolate.Module{Name: name, Source: code}
}
