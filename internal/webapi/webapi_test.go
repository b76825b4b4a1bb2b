package webapi

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/edgeruntime/internal/core"
)

func TestParseURL(t *testing.T) {
	p, err := ParseURL("../b?x=1#frag", "https://user:pw@example.com:8443/a/c")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if p.Href != "https://user:pw@example.com:8443/b?x=1#frag" {
		t.Errorf("Href = %q", p.Href)
	}
	if p.Hostname != "example.com" || p.Port != "8443" || p.Username != "user" || p.Password != "pw" {
		t.Errorf("unexpected components %+v", p)
	}
	if _, err := ParseURL("/relative", ""); err == nil {
		t.Error("relative URL without base should fail")
	}
	if _, err := ParseURL("x", "not a base"); err == nil {
		t.Error("invalid base should fail")
	}
}

func TestWrapModule(t *testing.T) {
	code, err := WrapModule("handler.ts", `const greet = (n: string): string => "hi " + n;
export default { fetch() { return greet("x"); } };`)
	if err != nil {
		t.Fatalf("WrapModule: %v", err)
	}
	if strings.Contains(code, ": string") {
		t.Error("type annotations should be stripped")
	}
	if !strings.Contains(code, "globalThis.__worker_module__") {
		t.Error("exports should be assigned to the module global")
	}
	if _, err := WrapModule("bad.js", "export default {"); err == nil {
		t.Error("syntax error should be reported")
	} else if !strings.HasPrefix(err.Error(), "bad.js:") {
		t.Errorf("error should name the file: %v", err)
	}
}

func TestIsPrivateHostname(t *testing.T) {
	for _, u := range []string{"http://localhost/", "http://api.localhost/", "http://10.1.2.3/", "http://[::1]:80/", "http://169.254.169.254/latest"} {
		if !IsPrivateHostname(u) {
			t.Errorf("%s should be private", u)
		}
	}
	if IsPrivateHostname("https://example.com/") {
		t.Error("example.com should not be private")
	}
	if IsPrivateIP(net.ParseIP("8.8.8.8")) {
		t.Error("8.8.8.8 should be public")
	}
}

func TestParseCreateOptions(t *testing.T) {
	opts, err := ParseCreateOptions(`{"servicePath":"./svc","memoryLimitMb":15,"cpuTimeSoftLimitMs":100,"cpuTimeHardLimitMs":200,"workerTimeoutMs":1500,"lowMemoryMultiplier":5,"envVars":{"K":"V"},"forceCreate":true}`)
	if err != nil {
		t.Fatalf("ParseCreateOptions: %v", err)
	}
	if opts.Role != core.RoleUser || opts.ServicePath != "./svc" || !opts.ForceCreate {
		t.Errorf("unexpected %+v", opts)
	}
	want := core.Limits{MemoryBytes: 15 << 20, CPUSoft: 100 * time.Millisecond, CPUHard: 200 * time.Millisecond, WallClock: 1500 * time.Millisecond, LowMemoryMultiplier: 5}
	if opts.Limits != want {
		t.Errorf("Limits = %+v, want %+v", opts.Limits, want)
	}
	if opts.EnvVars["K"] != "V" {
		t.Errorf("EnvVars = %v", opts.EnvVars)
	}
	if _, err := ParseCreateOptions(`{}`); err == nil || err.Error() != "TypeError: servicePath is required" {
		t.Errorf("missing servicePath: %v", err)
	}
}

func TestDenoResolve(t *testing.T) {
	root := t.TempDir()
	cfg := DenoConfig{ReadRoot: root}
	got, err := cfg.resolve("sub/file.txt")
	if err != nil || got != filepath.Join(root, "sub", "file.txt") {
		t.Errorf("resolve inside = %q, %v", got, err)
	}
	if _, err := cfg.resolve("/etc/passwd"); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("absolute path outside root: %v", err)
	}
	if _, err := (DenoConfig{}).resolve("x"); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("no root should deny: %v", err)
	}
	if _, err := (DenoConfig{AllowAllReads: true}).resolve("/etc/hosts"); err != nil {
		t.Errorf("AllowAllReads: %v", err)
	}
}

func TestSupervisorErrorNames(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("admit: %w", core.ErrPoolSaturated), "PoolSaturated: "},
		{&core.WorkerError{Key: "k", Reason: "boot failed", Err: errors.New("x")}, "WorkerError: "},
		{permissionDenied("nope"), "PermissionDenied: nope"},
	}
	for _, c := range cases {
		if got := supervisorError(c.err).Error(); !strings.HasPrefix(got, c.want) {
			t.Errorf("supervisorError(%v) = %q, want prefix %q", c.err, got, c.want)
		}
	}
}

func TestBase64BinaryStrings(t *testing.T) {
	enc, err := Btoa("hello\xff")
	if err == nil {
		t.Fatalf("invalid UTF-8 input should not encode, got %q", enc)
	}
	enc, err = Btoa("hélloÿ")
	if err != nil {
		t.Fatal(err)
	}
	if enc != "aOlsbG//" {
		t.Errorf("Btoa = %q", enc)
	}
	dec, err := Atob(" aOls\nbG// ")
	if err != nil {
		t.Fatal(err)
	}
	if dec != "hélloÿ" {
		t.Errorf("Atob = %q", dec)
	}
	if _, err := Btoa("€"); err == nil {
		t.Error("characters above U+00FF must be rejected")
	}
	for _, in := range []string{"YQ", "YQ==", "YWI="} {
		if _, err := Atob(in); err != nil {
			t.Errorf("Atob(%q): %v", in, err)
		}
	}
	for _, in := range []string{"Y", "YQ=a", "Y!==", "YQ==="} {
		if _, err := Atob(in); err == nil {
			t.Errorf("Atob(%q) should fail", in)
		}
	}
}
