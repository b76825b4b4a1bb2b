package webapi

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// httpJS defines Headers, URL, URLSearchParams, Request, Response,
// TextEncoder and TextDecoder. Bodies are buffered; there are no streams.
const httpJS = `
(function() {
class Headers {
	constructor(init) {
		this._map = {};
		if (!init) return;
		if (init instanceof Headers) {
			for (const k of Object.keys(init._map)) this._map[k] = init._map[k].slice();
		} else if (Array.isArray(init)) {
			for (const [k, v] of init) this.append(k, v);
		} else {
			for (const k of Object.keys(init)) this.append(k, init[k]);
		}
	}
	get(name) {
		const v = this._map[String(name).toLowerCase()];
		return v ? v.join(', ') : null;
	}
	set(name, value) { this._map[String(name).toLowerCase()] = [String(value)]; }
	has(name) { return String(name).toLowerCase() in this._map; }
	delete(name) { delete this._map[String(name).toLowerCase()]; }
	append(name, value) {
		const key = String(name).toLowerCase();
		(this._map[key] = this._map[key] || []).push(String(value));
	}
	forEach(cb, thisArg) {
		for (const [k, v] of this.entries()) cb.call(thisArg, v, k, this);
	}
	entries() {
		return Object.keys(this._map).sort().map(k => [k, this._map[k].join(', ')])[Symbol.iterator]();
	}
	keys() { return Object.keys(this._map).sort()[Symbol.iterator](); }
	values() { return Array.from(this.entries(), e => e[1])[Symbol.iterator](); }
	getSetCookie() { return (this._map['set-cookie'] || []).slice(); }
	toJSON() { return this._map; }
	get [Symbol.toStringTag]() { return 'Headers'; }
	[Symbol.iterator]() { return this.entries(); }
}

class URLSearchParams {
	constructor(init) {
		this._entries = [];
		this._url = null;
		if (init instanceof URLSearchParams) {
			this._entries = init._entries.map(e => e.slice());
		} else if (Array.isArray(init)) {
			for (const pair of init) this._entries.push([String(pair[0]), String(pair[1])]);
		} else if (init && typeof init === 'object') {
			for (const k of Object.keys(init)) this._entries.push([k, String(init[k])]);
		} else if (typeof init === 'string') {
			this._parse(init);
		}
	}
	_parse(s) {
		this._entries = [];
		s = s.startsWith('?') ? s.slice(1) : s;
		if (!s) return;
		for (const pair of s.split('&')) {
			if (!pair) continue;
			const idx = pair.indexOf('=');
			const k = idx === -1 ? pair : pair.slice(0, idx);
			const v = idx === -1 ? '' : pair.slice(idx + 1);
			this._entries.push([decodeURIComponent(k.replace(/\+/g, ' ')), decodeURIComponent(v.replace(/\+/g, ' '))]);
		}
	}
	_sync() {
		if (this._url) {
			const s = this.toString();
			this._url._search = s ? '?' + s : '';
			this._url._buildHref();
		}
	}
	get(name) {
		const e = this._entries.find(e => e[0] === name);
		return e ? e[1] : null;
	}
	getAll(name) { return this._entries.filter(e => e[0] === name).map(e => e[1]); }
	has(name) { return this._entries.some(e => e[0] === name); }
	set(name, value) {
		const i = this._entries.findIndex(e => e[0] === name);
		if (i === -1) {
			this._entries.push([name, String(value)]);
		} else {
			this._entries[i][1] = String(value);
			this._entries = this._entries.filter((e, j) => j <= i || e[0] !== name);
		}
		this._sync();
	}
	append(name, value) { this._entries.push([name, String(value)]); this._sync(); }
	delete(name) { this._entries = this._entries.filter(e => e[0] !== name); this._sync(); }
	sort() { this._entries.sort((a, b) => a[0] < b[0] ? -1 : a[0] > b[0] ? 1 : 0); this._sync(); }
	get size() { return this._entries.length; }
	toString() {
		return this._entries.map(([k, v]) => encodeURIComponent(k).replace(/%20/g, '+') + '=' + encodeURIComponent(v).replace(/%20/g, '+')).join('&');
	}
	forEach(cb, thisArg) { for (const [k, v] of this._entries) cb.call(thisArg, v, k, this); }
	entries() { return this._entries.map(e => e.slice())[Symbol.iterator](); }
	keys() { return this._entries.map(e => e[0])[Symbol.iterator](); }
	values() { return this._entries.map(e => e[1])[Symbol.iterator](); }
	get [Symbol.toStringTag]() { return 'URLSearchParams'; }
	[Symbol.iterator]() { return this.entries(); }
}

class URL {
	constructor(input, base) {
		this._assign(String(input), base === undefined || base === null ? '' : String(base));
	}
	_assign(input, base) {
		const parsed = JSON.parse(__parseURL(input, base));
		if (parsed.error) throw new TypeError(parsed.error);
		this._protocol = parsed.protocol;
		this._hostname = parsed.hostname;
		this._port = parsed.port;
		this._pathname = parsed.pathname;
		this._search = parsed.search;
		this._hash = parsed.hash;
		this._username = parsed.username;
		this._password = parsed.password;
		this._buildHref();
		if (!this._searchParams) {
			this._searchParams = new URLSearchParams();
			this._searchParams._url = this;
		}
		this._searchParams._parse(this._search);
	}
	_buildHref() {
		let userInfo = '';
		if (this._username) userInfo = this._username + (this._password ? ':' + this._password : '') + '@';
		this._host = this._port ? this._hostname + ':' + this._port : this._hostname;
		this._origin = this._protocol + '//' + this._host;
		this._href = this._protocol + '//' + userInfo + this._host + this._pathname + this._search + this._hash;
	}
	get href() { return this._href; }
	set href(v) { this._assign(String(v), ''); }
	get protocol() { return this._protocol; }
	set protocol(v) { v = String(v); this._protocol = v.endsWith(':') ? v : v + ':'; this._buildHref(); }
	get hostname() { return this._hostname; }
	set hostname(v) { this._hostname = String(v); this._buildHref(); }
	get port() { return this._port; }
	set port(v) { this._port = String(v); this._buildHref(); }
	get host() { return this._host; }
	get origin() { return this._origin; }
	get pathname() { return this._pathname; }
	set pathname(v) { v = String(v); this._pathname = v.startsWith('/') ? v : '/' + v; this._buildHref(); }
	get search() { return this._search; }
	set search(v) {
		v = String(v);
		this._search = v && !v.startsWith('?') ? '?' + v : v;
		this._buildHref();
		this._searchParams._parse(this._search);
	}
	get hash() { return this._hash; }
	set hash(v) { v = String(v); this._hash = v && !v.startsWith('#') ? '#' + v : v; this._buildHref(); }
	get username() { return this._username; }
	get password() { return this._password; }
	get searchParams() { return this._searchParams; }
	toString() { return this._href; }
	toJSON() { return this._href; }
	get [Symbol.toStringTag]() { return 'URL'; }
	static canParse(url, base) {
		try { new URL(url, base); return true; } catch (e) { return false; }
	}
}

class TextEncoder {
	get encoding() { return 'utf-8'; }
	encode(str) {
		str = str === undefined ? '' : String(str);
		const out = [];
		for (let i = 0; i < str.length; i++) {
			let c = str.charCodeAt(i);
			if (c >= 0xd800 && c <= 0xdbff && i + 1 < str.length) {
				const n = str.charCodeAt(i + 1);
				if (n >= 0xdc00 && n <= 0xdfff) {
					c = ((c - 0xd800) << 10) + (n - 0xdc00) + 0x10000;
					i++;
				} else {
					c = 0xfffd;
				}
			} else if (c >= 0xd800 && c <= 0xdfff) {
				c = 0xfffd;
			}
			if (c < 0x80) out.push(c);
			else if (c < 0x800) out.push(0xc0 | (c >> 6), 0x80 | (c & 0x3f));
			else if (c < 0x10000) out.push(0xe0 | (c >> 12), 0x80 | ((c >> 6) & 0x3f), 0x80 | (c & 0x3f));
			else out.push(0xf0 | (c >> 18), 0x80 | ((c >> 12) & 0x3f), 0x80 | ((c >> 6) & 0x3f), 0x80 | (c & 0x3f));
		}
		return new Uint8Array(out);
	}
	get [Symbol.toStringTag]() { return 'TextEncoder'; }
}

class TextDecoder {
	constructor(label, options) {
		label = (label || 'utf-8').toLowerCase();
		if (label !== 'utf-8' && label !== 'utf8') throw new RangeError('The encoding label provided (' + label + ') is invalid');
		this._fatal = !!(options && options.fatal);
	}
	get encoding() { return 'utf-8'; }
	get fatal() { return this._fatal; }
	decode(buf) {
		let b;
		if (!buf) b = new Uint8Array(0);
		else if (buf instanceof ArrayBuffer) b = new Uint8Array(buf);
		else if (ArrayBuffer.isView(buf)) b = new Uint8Array(buf.buffer, buf.byteOffset, buf.byteLength);
		else throw new TypeError('The provided value is not of type BufferSource');
		const fatal = this._fatal;
		const bad = () => { if (fatal) throw new TypeError('The encoded data was not valid utf-8'); return 0xfffd; };
		let i = (b.length >= 3 && b[0] === 0xef && b[1] === 0xbb && b[2] === 0xbf) ? 3 : 0;
		const parts = [];
		let chunk = [];
		while (i < b.length) {
			const c = b[i];
			let cp, need;
			if (c < 0x80) { cp = c; need = 0; }
			else if ((c & 0xe0) === 0xc0) { cp = c & 0x1f; need = 1; }
			else if ((c & 0xf0) === 0xe0) { cp = c & 0x0f; need = 2; }
			else if ((c & 0xf8) === 0xf0) { cp = c & 0x07; need = 3; }
			else { chunk.push(bad()); i++; continue; }
			if (need > 0 && i + need >= b.length) {
				chunk.push(bad());
				break;
			}
			let ok = true;
			for (let k = 1; k <= need; k++) {
				const n = b[i + k];
				if ((n & 0xc0) !== 0x80) { ok = false; break; }
				cp = (cp << 6) | (n & 0x3f);
			}
			if (!ok) { chunk.push(bad()); i++; continue; }
			i += need + 1;
			if (cp > 0xffff) {
				cp -= 0x10000;
				chunk.push(0xd800 + (cp >> 10), 0xdc00 + (cp & 0x3ff));
			} else {
				chunk.push(cp);
			}
			if (chunk.length >= 8192) {
				parts.push(String.fromCharCode.apply(null, chunk));
				chunk = [];
			}
		}
		parts.push(String.fromCharCode.apply(null, chunk));
		return parts.join('');
	}
	get [Symbol.toStringTag]() { return 'TextDecoder'; }
}

function bodyBytes(b) {
	if (b === null || b === undefined) return new Uint8Array(0);
	if (typeof b === 'string') return new TextEncoder().encode(b);
	if (b instanceof ArrayBuffer) return new Uint8Array(b.slice(0));
	if (ArrayBuffer.isView(b)) return new Uint8Array(b.buffer.slice(b.byteOffset, b.byteOffset + b.byteLength));
	return new TextEncoder().encode(String(b));
}

function defaultContentType(headers, body) {
	if (headers.has('content-type') || body === null || body === undefined) return;
	if (typeof body === 'string') headers.set('content-type', 'text/plain;charset=UTF-8');
	else if (body instanceof URLSearchParams) headers.set('content-type', 'application/x-www-form-urlencoded;charset=UTF-8');
}

class Body {
	get bodyUsed() { return this._bodyUsed; }
	get body() { return this._body === null ? null : { locked: this._bodyUsed }; }
	_consume() {
		if (this._bodyUsed) throw new TypeError('Body has already been consumed');
		this._bodyUsed = true;
		return bodyBytes(this._body);
	}
	async arrayBuffer() {
		const u = this._consume();
		return u.buffer.slice(u.byteOffset, u.byteOffset + u.byteLength);
	}
	async bytes() { return this._consume(); }
	async text() {
		if (typeof this._body === 'string' && !this._bodyUsed) {
			this._bodyUsed = true;
			return this._body;
		}
		return new TextDecoder().decode(this._consume());
	}
	async json() { return JSON.parse(await this.text()); }
}

class Request extends Body {
	constructor(input, init) {
		super();
		init = init || {};
		if (input instanceof Request) {
			this.url = input.url;
			this.method = input.method;
			this.headers = new Headers(input.headers);
			this._body = input._body;
			this.signal = input.signal;
		} else {
			this.url = new URL(String(input)).href;
			this.method = 'GET';
			this.headers = new Headers();
			this._body = null;
			this.signal = null;
		}
		this._bodyUsed = false;
		if (init.method !== undefined) this.method = String(init.method).toUpperCase();
		if (init.headers !== undefined) this.headers = new Headers(init.headers);
		if (init.body !== undefined) this._body = init.body;
		if (init.signal !== undefined) this.signal = init.signal;
		this.redirect = init.redirect || (input instanceof Request ? input.redirect : 'follow');
		if (['CONNECT', 'TRACE', 'TRACK'].indexOf(this.method) !== -1) throw new TypeError('Forbidden method: ' + this.method);
		if (this._body !== null && this._body !== undefined && (this.method === 'GET' || this.method === 'HEAD')) {
			throw new TypeError('Request with GET/HEAD method cannot have body.');
		}
		if (this._body instanceof URLSearchParams) this._body = this._body.toString();
		defaultContentType(this.headers, init.body);
	}
	clone() {
		if (this._bodyUsed) throw new TypeError('Cannot clone a consumed request');
		return new Request(this);
	}
	get [Symbol.toStringTag]() { return 'Request'; }
}

class Response extends Body {
	constructor(body, init) {
		super();
		init = init || {};
		this._body = body === undefined ? null : body;
		this._bodyUsed = false;
		this.status = init.status !== undefined ? init.status : 200;
		if (this.status !== 101 && (this.status < 200 || this.status > 599)) {
			throw new RangeError('Invalid status code: ' + this.status);
		}
		this.statusText = init.statusText || '';
		this.headers = new Headers(init.headers);
		this.type = 'default';
		this.url = '';
		this.redirected = false;
		this._webSocket = init._webSocket || null;
		if (this._body instanceof URLSearchParams) {
			defaultContentType(this.headers, this._body);
			this._body = this._body.toString();
		}
		defaultContentType(this.headers, this._body);
	}
	get ok() { return this.status >= 200 && this.status < 300; }
	clone() {
		if (this._bodyUsed) throw new TypeError('Cannot clone a consumed response');
		const r = new Response(this._body, { status: this.status, statusText: this.statusText, headers: this.headers });
		r.url = this.url;
		r.redirected = this.redirected;
		return r;
	}
	static json(data, init) {
		init = init || {};
		const headers = new Headers(init.headers);
		if (!headers.has('content-type')) headers.set('content-type', 'application/json');
		return new Response(JSON.stringify(data), { status: init.status, statusText: init.statusText, headers: headers });
	}
	static redirect(url, status) {
		status = status || 302;
		if ([301, 302, 303, 307, 308].indexOf(status) === -1) throw new RangeError('Invalid redirect status: ' + status);
		return new Response(null, { status: status, headers: { location: String(url) } });
	}
	static error() {
		const r = new Response(null, { status: 200 });
		r.status = 0;
		r.type = 'error';
		return r;
	}
	get [Symbol.toStringTag]() { return 'Response'; }
}

globalThis.Headers = Headers;
globalThis.URL = URL;
globalThis.URLSearchParams = URLSearchParams;
globalThis.TextEncoder = TextEncoder;
globalThis.TextDecoder = TextDecoder;
globalThis.Request = Request;
globalThis.Response = Response;
globalThis.__bodyBytes = bodyBytes;
})();
`

// URLParsed is the JSON structure returned by __parseURL.
type URLParsed struct {
	Href     string `json:"href"`
	Protocol string `json:"protocol"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Hash     string `json:"hash"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ParseURL resolves rawURL against base (which may be empty) and splits it
// into the components exposed by the URL class.
func ParseURL(rawURL, base string) (*URLParsed, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("Invalid URL: '%s'", rawURL)
	}
	u := ref
	if base != "" {
		baseURL, err := url.Parse(base)
		if err != nil || baseURL.Scheme == "" {
			return nil, fmt.Errorf("Invalid base URL: '%s'", base)
		}
		u = baseURL.ResolveReference(ref)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("Invalid URL: '%s'", rawURL)
	}

	p := &URLParsed{
		Protocol: u.Scheme + ":",
		Hostname: u.Hostname(),
		Port:     u.Port(),
		Pathname: u.EscapedPath(),
	}
	if p.Pathname == "" {
		p.Pathname = "/"
	}
	if u.RawQuery != "" {
		p.Search = "?" + u.RawQuery
	}
	if u.Fragment != "" {
		p.Hash = "#" + u.EscapedFragment()
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	host := p.Hostname
	if p.Port != "" {
		host += ":" + p.Port
	}
	userInfo := ""
	if u.User != nil {
		userInfo = u.User.String() + "@"
	}
	p.Href = p.Protocol + "//" + userInfo + host + p.Pathname + p.Search + p.Hash
	return p, nil
}

// SetupHTTP registers the Go URL parser and evaluates the HTTP classes.
func SetupHTTP(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__parseURL", func(rawURL, base string) string {
		parsed, err := ParseURL(rawURL, base)
		if err != nil {
			data, _ := json.Marshal(map[string]string{"error": err.Error()})
			return string(data)
		}
		data, _ := json.Marshal(parsed)
		return string(data)
	}); err != nil {
		return err
	}
	if err := rt.Eval(httpJS); err != nil {
		return fmt.Errorf("evaluating http.js: %w", err)
	}
	return nil
}
