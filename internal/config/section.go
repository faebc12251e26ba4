package config

import (
	"fmt"
	"strconv"
	"time"
)

// Section holds the settings of one handler instance. The "handler" key
// names the handler type.
type Section map[string]any

func (s Section) Type() string {
	return s.String("handler", "")
}

func (s Section) String(key, def string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func (s Section) Int(key string, def int) (int, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%s: not an integer: %v", key, v)
}

func (s Section) Bool(key string, def bool) (bool, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case int:
		return t != 0, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, fmt.Errorf("%s: %w", key, err)
		}
		return b, nil
	}
	return false, fmt.Errorf("%s: not a boolean: %v", key, v)
}

// Duration accepts Go duration strings or plain numbers of seconds.
func (s Section) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d, nil
		}
		n, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid duration %q", key, t)
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("%s: not a duration: %v", key, v)
}

// List accepts a YAML sequence or a comma separated string.
func (s Section) List(key string) []string {
	v, ok := s[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case []string:
		return t
	case string:
		return SplitList(t)
	}
	return []string{fmt.Sprint(v)}
}
