package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tjfontaine/eventrelay/internal/core/domain"
)

// parseParams turns key=value arguments into ordered params. Values that
// parse as JSON (numbers, booleans, objects, arrays) keep their type;
// anything else is a string.
func parseParams(args []string) (*domain.Params, error) {
	params := domain.NewParams()
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", arg)
		}
		params.Set(key, parseValue(raw))
	}
	return params, nil
}

func parseValue(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	if v == nil {
		return raw
	}
	return v
}
