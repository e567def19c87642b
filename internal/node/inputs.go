package node

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

func stringInput(in Inputs, key, def string) (string, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	}
	return "", fmt.Errorf("%s: expected string, got %T", key, v)
}

func floatInput(in Inputs, key string, def float64) (float64, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		if strings.TrimSpace(t) == "" {
			return def, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not a number", key, t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%s: expected number, got %T", key, v)
}

func boolInput(in Inputs, key string, def bool) (bool, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return def, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, fmt.Errorf("%s: %q is not a boolean", key, t)
		}
		return b, nil
	}
	return false, fmt.Errorf("%s: expected boolean, got %T", key, v)
}
