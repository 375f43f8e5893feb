package utils

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/itchyny/gojq"
)

// CompileJq parses and compiles a jq expression with the given variable names (e.g. "$now").
func CompileJq(expr string, variables ...string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq %q: %w", expr, err)
	}

	code, err := gojq.Compile(query, gojq.WithVariables(variables))
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq %q: %w", expr, err)
	}
	return code, nil
}

// RunJq runs compiled code against input and returns the first emitted value.
// The input must already be in jq form (see ToJqValue).
func RunJq(code *gojq.Code, input any, values ...any) (any, error) {
	iter := code.Run(input, values...)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := v.(error); ok {
		if herr, ok := err.(*gojq.HaltError); ok && herr.Value() == nil {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// ToJqValue converts arbitrary Go values into the map/slice/float64 shapes gojq accepts.
func ToJqValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PerformJqQueryOnFile runs jqQuery over the JSON document at filePath
func PerformJqQueryOnFile(filePath string, jqQuery string) ([]byte, error) {
	jsonContent, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return PerformJqQuery(jsonContent, jqQuery)
}

// PerformJqQuery runs a jq query over a JSON document and returns the first result as JSON.
func PerformJqQuery(jsonContent []byte, jqQuery string) ([]byte, error) {
	code, err := CompileJq(jqQuery)
	if err != nil {
		return nil, err
	}

	var jsonData interface{}
	if err := json.Unmarshal(jsonContent, &jsonData); err != nil {
		return nil, err
	}

	v, err := RunJq(code, jsonData)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
