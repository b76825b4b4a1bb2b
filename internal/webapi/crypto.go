package webapi

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"

	"github.com/google/uuid"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// maxRandomBytes is the getRandomValues quota.
const maxRandomBytes = 65536

// cryptoJS builds globalThis.crypto with getRandomValues, randomUUID and
// subtle.digest backed by Go.
const cryptoJS = `
(function() {
	var crypto = {};
	crypto.getRandomValues = function(ta) {
		if (!ArrayBuffer.isView(ta) || ta instanceof Float32Array || ta instanceof Float64Array || ta instanceof DataView) {
			throw new TypeError('getRandomValues requires an integer TypedArray');
		}
		if (ta.byteLength > 65536) {
			throw new DOMException("The ArrayBufferView's byte length (" + ta.byteLength + ') exceeds the number of bytes of entropy available via this API (65536)', 'QuotaExceededError');
		}
		if (ta.byteLength === 0) return ta;
		var src = new Uint8Array(__b64ToBuffer(__cryptoRandom(ta.byteLength)));
		new Uint8Array(ta.buffer, ta.byteOffset, ta.byteLength).set(src);
		return ta;
	};
	crypto.randomUUID = function() { return __cryptoRandomUUID(); };
	crypto.subtle = {
		digest: function(algorithm, data) {
			var name = typeof algorithm === 'string' ? algorithm : algorithm && algorithm.name;
			try {
				return Promise.resolve(__b64ToBuffer(__cryptoDigest(String(name), __bufferSourceToB64(data))));
			} catch (e) {
				return Promise.reject(e);
			}
		},
	};
	globalThis.crypto = crypto;
})();
`

// SetupCrypto registers Go-backed crypto helpers and evaluates the JS wrapper.
func SetupCrypto(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__cryptoRandom", func(n int) (string, error) {
		if n <= 0 || n > maxRandomBytes {
			return "", fmt.Errorf("byte length must be 1-%d", maxRandomBytes)
		}
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		return base64.StdEncoding.EncodeToString(buf), nil
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__cryptoRandomUUID", func() string {
		return uuid.NewString()
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__cryptoDigest", func(algo, dataB64 string) (string, error) {
		newHash := HashFuncFromAlgo(algo)
		if newHash == nil {
			return "", fmt.Errorf("unsupported digest algorithm %q", algo)
		}
		data, err := base64.StdEncoding.DecodeString(dataB64)
		if err != nil {
			return "", fmt.Errorf("invalid digest input: %w", err)
		}
		h := newHash()
		h.Write(data)
		return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
	}); err != nil {
		return err
	}
	if err := rt.Eval(cryptoJS); err != nil {
		return fmt.Errorf("evaluating crypto.js: %w", err)
	}
	return nil
}

// HashFuncFromAlgo returns the hash constructor for a WebCrypto digest
// name, or nil when the algorithm is not supported.
func HashFuncFromAlgo(algo string) func() hash.Hash {
	switch NormalizeAlgo(algo) {
	case "SHA-1":
		return sha1.New
	case "SHA-256":
		return sha256.New
	case "SHA-384":
		return sha512.New384
	case "SHA-512":
		return sha512.New
	default:
		return nil
	}
}

// NormalizeAlgo normalizes digest names to their canonical form.
func NormalizeAlgo(name string) string {
	switch name {
	case "sha-1", "SHA-1", "sha1", "SHA1":
		return "SHA-1"
	case "sha-256", "SHA-256", "sha256", "SHA256":
		return "SHA-256"
	case "sha-384", "SHA-384", "sha384", "SHA384":
		return "SHA-384"
	case "sha-512", "SHA-512", "sha512", "SHA512":
		return "SHA-512"
	default:
		return name
	}
}
