//go:build v8

package server

import (
	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/v8engine"
)

// NewEngine returns the script engine compiled into this binary.
func NewEngine() core.ScriptEngine {
	return v8engine.NewEngine()
}
