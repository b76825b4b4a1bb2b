package webapi

import (
	"fmt"
	"path"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// ModuleGlobal is where a worker module's exports live after loading.
const ModuleGlobal = "__worker_module__"

// WrapModule turns an ES module (JavaScript or TypeScript, picked by the
// extension of name) into a classic script that assigns its exports to
// globalThis.__worker_module__. A default export replaces the namespace so
// `export default { fetch }` exposes fetch directly.
func WrapModule(name, source string) (string, error) {
	loader := api.LoaderJS
	switch strings.ToLower(path.Ext(name)) {
	case ".ts", ".mts":
		loader = api.LoaderTS
	case ".tsx":
		loader = api.LoaderTSX
	case ".jsx":
		loader = api.LoaderJSX
	}
	result := api.Transform(source, api.TransformOptions{
		Loader:     loader,
		Format:     api.FormatIIFE,
		GlobalName: "globalThis." + ModuleGlobal,
		Target:     api.ES2022,
		Sourcefile: name,
	})
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		if msg.Location != nil {
			return "", fmt.Errorf("%s:%d:%d: %s", name, msg.Location.Line, msg.Location.Column, msg.Text)
		}
		return "", fmt.Errorf("%s: %s", name, msg.Text)
	}
	code := string(result.Code)
	code += "if(globalThis." + ModuleGlobal + "&&globalThis." + ModuleGlobal + ".default)globalThis." + ModuleGlobal + "=globalThis." + ModuleGlobal + ".default;\n"
	return code, nil
}
