package webapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// DenoConfig shapes the Deno namespace of one worker.
type DenoConfig struct {
	Env map[string]string
	// ReadRoot confines file reads to a directory tree. An empty ReadRoot
	// denies every read unless AllowAllReads is set.
	ReadRoot      string
	AllowAllReads bool
}

const denoJS = `
(function() {
	var C = globalThis.__errorClasses;
	var env = JSON.parse(__denoEnv());
	function deny(msg) { throw new C.PermissionDenied(msg); }
	function settle(json) {
		var r = JSON.parse(json);
		if (r.error !== undefined) throw __makeError(r.error);
		return r.value;
	}

	var errors = Object.assign({}, C);
	['BadResource', 'Interrupted', 'AlreadyExists', 'ConnectionRefused', 'TimedOut', 'Http'].forEach(function(n) {
		errors[n] = class extends Error {
			constructor(msg) { super(msg); this.name = n; }
		};
	});

	var Deno = {
		errors: errors,
		env: {
			get: function(k) { return Object.prototype.hasOwnProperty.call(env, k) ? env[k] : undefined; },
			has: function(k) { return Object.prototype.hasOwnProperty.call(env, k); },
			toObject: function() { return Object.assign({}, env); },
			set: function() { throw new C.NotSupported('The operation is not supported'); },
			delete: function() { throw new C.NotSupported('The operation is not supported'); },
		},
		readTextFile: function(p) { return __awaitOp(__denoReadFile(String(p), false)); },
		readFile: function(p) {
			return __awaitOp(__denoReadFile(String(p), true)).then(function(b64) {
				return new Uint8Array(__b64ToBuffer(b64));
			});
		},
		readTextFileSync: function(p) { return settle(__denoReadFileSync(String(p), false)); },
		readFileSync: function(p) { return new Uint8Array(__b64ToBuffer(settle(__denoReadFileSync(String(p), true)))); },
		Command: function() { deny('Spawning subprocesses is not allowed on Edge Runtime'); },
		run: function() { deny('Spawning subprocesses is not allowed on Edge Runtime'); },
		exit: function() { throw new C.NotSupported('Deno.exit() is not supported'); },
		serve: function(a, b) {
			var handler = typeof a === 'function' ? a : (typeof b === 'function' ? b : a && a.handler);
			if (typeof handler !== 'function') throw new TypeError('A handler function must be provided');
			var resolveFinished;
			var finished = new Promise(function(r) { resolveFinished = r; });
			globalThis.__serveHandler = handler;
			return {
				finished: finished,
				addr: { transport: 'tcp', hostname: '0.0.0.0', port: 0 },
				shutdown: function() {
					if (globalThis.__serveHandler === handler) globalThis.__serveHandler = null;
					resolveFinished();
					return finished;
				},
				ref: function() {},
				unref: function() {},
			};
		},
	};
	if (typeof globalThis.__wsUpgrade === 'function') Deno.upgradeWebSocket = globalThis.__wsUpgrade;
	globalThis.Deno = Deno;
})();
`

// Deno returns a setup step installing the Deno namespace. It expects the
// HTTP classes and, for upgradeWebSocket, the WebSockets setup to run first.
func Deno(cfg DenoConfig) SetupFunc {
	return func(rt core.JSRuntime, el *eventloop.EventLoop) error {
		env := cfg.Env
		if env == nil {
			env = map[string]string{}
		}
		encoded, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encoding env: %w", err)
		}
		if err := rt.RegisterFunc("__denoEnv", func() string { return string(encoded) }); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__denoReadFile", func(p string, binary bool) string {
			resolved, err := cfg.resolve(p)
			if err != nil {
				return failedOp(el, err)
			}
			return el.StartOp(func() eventloop.OpResult {
				out, err := readForScript(resolved, p, binary)
				if err != nil {
					return eventloop.OpResult{Err: err}
				}
				value, _ := json.Marshal(out)
				return eventloop.OpResult{Value: string(value)}
			})
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__denoReadFileSync", func(p string, binary bool) string {
			resolved, err := cfg.resolve(p)
			if err == nil {
				var out string
				if out, err = readForScript(resolved, p, binary); err == nil {
					return settled(out, nil)
				}
			}
			return settled("", err)
		}); err != nil {
			return err
		}
		return rt.Eval(denoJS)
	}
}

// resolve maps a script supplied path onto the filesystem, refusing paths
// that escape ReadRoot.
func (c DenoConfig) resolve(p string) (string, error) {
	if c.AllowAllReads {
		return filepath.Clean(p), nil
	}
	if c.ReadRoot == "" {
		return "", permissionDenied("Requires read access to %q", p)
	}
	root, err := filepath.Abs(c.ReadRoot)
	if err != nil {
		return "", err
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", permissionDenied("Requires read access to %q", p)
	}
	return target, nil
}

func readForScript(resolved, shown string, binary bool) (string, error) {
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &jsError{class: "NotFound", msg: fmt.Sprintf("No such file or directory (os error 2): readfile '%s'", shown), err: err}
		}
		return "", err
	}
	if binary {
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return string(data), nil
}

// settled encodes the outcome of a synchronous host call for the JS side,
// which rethrows errors as their named classes.
func settled(value string, err error) string {
	var data []byte
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	} else {
		data, _ = json.Marshal(map[string]string{"value": value})
	}
	return string(data)
}
