//go:build v8

package v8engine

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	v8 "github.com/tommie/v8go"
)

// toGo converts a script value to the parameter type t. Parameters typed
// any receive int for integral numbers and float64 otherwise.
func toGo(v *v8.Value, t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(v.String()).Convert(t)
	case reflect.Bool:
		return reflect.ValueOf(v.Boolean()).Convert(t)
	case reflect.Int, reflect.Int32, reflect.Int64:
		return reflect.ValueOf(v.Integer()).Convert(t)
	case reflect.Float64:
		return reflect.ValueOf(v.Number())
	case reflect.Interface:
		var x any
		switch {
		case v.IsNumber():
			if n := v.Number(); n == math.Trunc(n) && math.Abs(n) <= 1<<53 {
				x = int(n)
			} else {
				x = n
			}
		case v.IsString():
			x = v.String()
		case v.IsBoolean():
			x = v.Boolean()
		}
		if x == nil {
			return reflect.Zero(t)
		}
		return reflect.ValueOf(x)
	}
	return reflect.Zero(t)
}

// toJS converts a Go result. Integers outside the int32 range become
// doubles rather than wrapping.
func toJS(iso *v8.Isolate, r reflect.Value) *v8.Value {
	var v *v8.Value
	switch r.Kind() {
	case reflect.String:
		v, _ = v8.NewValue(iso, r.String())
	case reflect.Bool:
		v, _ = v8.NewValue(iso, r.Bool())
	case reflect.Int, reflect.Int32, reflect.Int64:
		if n := r.Int(); n >= math.MinInt32 && n <= math.MaxInt32 {
			v, _ = v8.NewValue(iso, int32(n))
		} else {
			v, _ = v8.NewValue(iso, float64(n))
		}
	case reflect.Float32, reflect.Float64:
		v, _ = v8.NewValue(iso, r.Float())
	}
	return v
}

// toJSAny converts a global's value. Composite values go through JSON.
func toJSAny(c *Context, value any) (*v8.Value, error) {
	switch x := value.(type) {
	case nil:
		return v8.Undefined(c.iso), nil
	case *v8.Value:
		return x, nil
	case *v8.Object:
		return x.Value, nil
	case string, bool, int, int32, int64, float64:
		return toJS(c.iso, reflect.ValueOf(x)), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}
	return c.run("JSON.parse("+strconv.Quote(string(data))+")", "global.js")
}
