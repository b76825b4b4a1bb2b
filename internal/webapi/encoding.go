package webapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// encodingJS wraps the host base64 codec in atob and btoa. Strings on
// both sides are binary strings: one character per byte.
const encodingJS = `
(function() {
	globalThis.btoa = function(data) {
		if (arguments.length < 1) throw new TypeError("btoa requires at least 1 argument(s)");
		var out;
		try {
			out = __btoa(String(data));
		} catch (e) {
			throw new DOMException('The string to be encoded contains characters outside of the Latin1 range.', 'InvalidCharacterError');
		}
		return out;
	};
	globalThis.atob = function(data) {
		if (arguments.length < 1) throw new TypeError("atob requires at least 1 argument(s)");
		var out;
		try {
			out = __atob(String(data));
		} catch (e) {
			throw new DOMException('The string to be decoded is not correctly encoded.', 'InvalidCharacterError');
		}
		return out;
	};
})();
`

var errNotLatin1 = errors.New("character outside of the Latin1 range")

// latin1Bytes maps each character of a binary string to one byte.
func latin1Bytes(s string) ([]byte, error) {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			return nil, errNotLatin1
		}
		b = append(b, byte(r))
	}
	return b, nil
}

// binaryString is the inverse of latin1Bytes.
func binaryString(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

// Btoa base64-encodes a binary string.
func Btoa(s string) (string, error) {
	b, err := latin1Bytes(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Atob decodes base64 with the forgiving rules of the HTML standard:
// ASCII whitespace is ignored and padding is optional.
func Atob(s string) (string, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		}
		return r
	}, s)
	if len(s)%4 == 0 {
		s = strings.TrimSuffix(s, "=")
		s = strings.TrimSuffix(s, "=")
	}
	if len(s)%4 == 1 {
		return "", errors.New("invalid base64 length")
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return binaryString(b), nil
}

// bufferSourceJS converts between BufferSource values and base64 strings.
// Host functions only accept strings and numbers, so bytes cross the
// boundary this way whenever the runtime has no direct binary path.
const bufferSourceJS = `
globalThis.__bufferSourceToB64 = function(data) {
	if (typeof data === 'string') return btoa(unescape(encodeURIComponent(data)));
	var bytes;
	if (data instanceof ArrayBuffer) {
		bytes = new Uint8Array(data);
	} else if (ArrayBuffer.isView(data)) {
		bytes = new Uint8Array(data.buffer, data.byteOffset, data.byteLength);
	} else {
		bytes = new Uint8Array(0);
	}
	var parts = [];
	for (var i = 0; i < bytes.length; i += 8192) {
		parts.push(String.fromCharCode.apply(null, bytes.subarray(i, Math.min(i + 8192, bytes.length))));
	}
	return btoa(parts.join(''));
};

globalThis.__b64ToBuffer = function(b64) {
	var binary = atob(b64);
	var bytes = new Uint8Array(binary.length);
	for (var i = 0; i < binary.length; i++) bytes[i] = binary.charCodeAt(i);
	return bytes.buffer;
};
`

// SetupEncoding installs atob, btoa and the base64 buffer helpers.
func SetupEncoding(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__btoa", Btoa); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__atob", Atob); err != nil {
		return err
	}
	if err := rt.Eval(encodingJS); err != nil {
		return fmt.Errorf("evaluating encoding.js: %w", err)
	}
	if err := rt.Eval(bufferSourceJS); err != nil {
		return fmt.Errorf("evaluating buffer helpers: %w", err)
	}
	return nil
}
