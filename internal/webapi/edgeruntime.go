package webapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// UserWorkers is the supervisor surface a main worker drives through
// EdgeRuntime.userWorkers.
type UserWorkers interface {
	Create(ctx context.Context, opts core.WorkerOptions) (string, error)
	Fetch(ctx context.Context, key string, req *http.Request) (*http.Response, error)
}

const edgeRuntimeJS = `
(function() {
	function toResponse(r) {
		var b = r.body ? __b64ToBuffer(r.body) : null;
		if (r.status === 101 || r.status === 204 || r.status === 304) b = null;
		return new Response(b, { status: r.status, statusText: r.statusText, headers: r.headers });
	}
	class UserWorker {
		constructor(key) { this.key = key; }
		fetch(input, init) {
			var req;
			try {
				req = input instanceof Request && init === undefined ? input : new Request(input, init);
			} catch (e) {
				return Promise.reject(e);
			}
			var headers = [];
			req.headers.forEach(function(v, k) { headers.push([k, v]); });
			var body = req._body === null || req._body === undefined ? '' : __bufferSourceToB64(__bodyBytes(req._body));
			var id = __uwFetch(this.key, JSON.stringify({ url: req.url, method: req.method, headers: headers, body: body }));
			return __awaitOp(id).then(toResponse);
		}
	}
	globalThis.EdgeRuntime = {
		userWorkers: {
			create: function(opts) {
				return __awaitOp(__uwCreate(JSON.stringify(opts || {}))).then(function(key) {
					return new UserWorker(key);
				});
			},
		},
	};
})();
`

// createOptions mirrors the object accepted by userWorkers.create.
type createOptions struct {
	ServicePath         string          `json:"servicePath"`
	MemoryLimitMb       float64         `json:"memoryLimitMb"`
	WorkerTimeoutMs     float64         `json:"workerTimeoutMs"`
	CPUTimeSoftLimitMs  float64         `json:"cpuTimeSoftLimitMs"`
	CPUTimeHardLimitMs  float64         `json:"cpuTimeHardLimitMs"`
	LowMemoryMultiplier float64         `json:"lowMemoryMultiplier"`
	NoModuleCache       bool            `json:"noModuleCache"`
	EnvVars             json.RawMessage `json:"envVars"`
	NetAccessDisabled   bool            `json:"netAccessDisabled"`
	ForceCreate         bool            `json:"forceCreate"`
}

func ms(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }

// ParseCreateOptions converts the script's options object into
// WorkerOptions for a user worker. envVars may be an object or a list of
// [name, value] pairs.
func ParseCreateOptions(data string) (core.WorkerOptions, error) {
	var in createOptions
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return core.WorkerOptions{}, typeError("invalid worker options: %v", err)
	}
	if in.ServicePath == "" {
		return core.WorkerOptions{}, typeError("servicePath is required")
	}
	opts := core.WorkerOptions{
		Role:        core.RoleUser,
		ServicePath: in.ServicePath,
		Limits: core.Limits{
			MemoryBytes:         uint64(in.MemoryLimitMb * (1 << 20)),
			CPUSoft:             ms(in.CPUTimeSoftLimitMs),
			CPUHard:             ms(in.CPUTimeHardLimitMs),
			WallClock:           ms(in.WorkerTimeoutMs),
			LowMemoryMultiplier: in.LowMemoryMultiplier,
		},
		NetAccessDisabled: in.NetAccessDisabled,
		NoModuleCache:     in.NoModuleCache,
		ForceCreate:       in.ForceCreate,
	}
	if len(in.EnvVars) > 0 && string(in.EnvVars) != "null" {
		env := map[string]string{}
		var pairs [][2]string
		if err := json.Unmarshal(in.EnvVars, &pairs); err == nil {
			for _, p := range pairs {
				env[p[0]] = p[1]
			}
		} else if err := json.Unmarshal(in.EnvVars, &env); err != nil {
			return core.WorkerOptions{}, typeError("envVars must be an object or a list of pairs")
		}
		opts.EnvVars = env
	}
	return opts, nil
}

type userFetchArgs struct {
	URL     string      `json:"url"`
	Method  string      `json:"method"`
	Headers [][2]string `json:"headers"`
	Body    string      `json:"body"`
}

// EdgeRuntime returns the setup step for the main worker's EdgeRuntime
// global. Operations run against ctx so they end with the worker.
func EdgeRuntime(ctx context.Context, workers UserWorkers) SetupFunc {
	return func(rt core.JSRuntime, el *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__uwCreate", func(optsJSON string) string {
			opts, err := ParseCreateOptions(optsJSON)
			if err != nil {
				return failedOp(el, err)
			}
			return el.StartOp(func() eventloop.OpResult {
				key, err := workers.Create(ctx, opts)
				if err != nil {
					return eventloop.OpResult{Err: supervisorError(err)}
				}
				value, _ := json.Marshal(key)
				return eventloop.OpResult{Value: string(value)}
			})
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__uwFetch", func(key, argsJSON string) string {
			var args userFetchArgs
			if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
				return failedOp(el, typeError("invalid request: %v", err))
			}
			return el.StartOp(func() eventloop.OpResult {
				return forwardToUserWorker(ctx, workers, key, args)
			})
		}); err != nil {
			return err
		}
		return rt.Eval(edgeRuntimeJS)
	}
}

func forwardToUserWorker(ctx context.Context, workers UserWorkers, key string, args userFetchArgs) eventloop.OpResult {
	var body io.Reader
	if args.Body != "" {
		raw, err := base64.StdEncoding.DecodeString(args.Body)
		if err != nil {
			return eventloop.OpResult{Err: err}
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, args.Method, args.URL, body)
	if err != nil {
		return eventloop.OpResult{Err: typeError("%v", err)}
	}
	for _, h := range args.Headers {
		req.Header.Add(h[0], h[1])
	}
	resp, err := workers.Fetch(ctx, key, req)
	if err != nil {
		return eventloop.OpResult{Err: supervisorError(err)}
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxRequestBodyBytes))
	if err != nil {
		return eventloop.OpResult{Err: supervisorError(err)}
	}
	out := fetchResult{
		Status:     resp.StatusCode,
		StatusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))),
		Body:       base64.StdEncoding.EncodeToString(data),
	}
	for k, vals := range resp.Header {
		for _, v := range vals {
			out.Headers = append(out.Headers, [2]string{strings.ToLower(k), v})
		}
	}
	value, err := json.Marshal(out)
	if err != nil {
		return eventloop.OpResult{Err: err}
	}
	return eventloop.OpResult{Value: string(value)}
}

// supervisorError names a supervisor failure for the script.
func supervisorError(err error) error {
	var je *jsError
	switch {
	case errors.As(err, &je):
		return err
	case errors.Is(err, core.ErrPoolSaturated):
		return &jsError{class: "PoolSaturated", msg: err.Error(), err: err}
	case errors.Is(err, core.ErrNotSupported):
		return notSupported("%v", err)
	default:
		return &jsError{class: "WorkerError", msg: err.Error(), err: err}
	}
}
