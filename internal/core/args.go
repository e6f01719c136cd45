package core

import "math"

// StringArg returns args[i] as a string.
func StringArg(args []any, i int, name string) (string, error) {
	if i >= len(args) {
		return "", Errorf(CodeInvalidArgs, "missing argument %s", name)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", Errorf(CodeInvalidArgs, "argument %s: want string, got %T", name, args[i])
	}
	return s, nil
}

// OptionalStringArg is StringArg for a trailing argument that may be absent.
func OptionalStringArg(args []any, i int, name string) (string, error) {
	if i >= len(args) || args[i] == nil {
		return "", nil
	}
	return StringArg(args, i, name)
}

// IntArg returns args[i] as an integer. JSON numbers arrive as float64 and
// are accepted when integral.
func IntArg(args []any, i int, name string) (int64, error) {
	if i >= len(args) {
		return 0, Errorf(CodeInvalidArgs, "missing argument %s", name)
	}
	switch n := args[i].(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), nil
		}
	}
	return 0, Errorf(CodeInvalidArgs, "argument %s: want int, got %v", name, args[i])
}

// MapArg returns args[i] as a dict, or an empty map when absent.
func MapArg(args []any, i int) (map[string]any, error) {
	if i >= len(args) || args[i] == nil {
		return map[string]any{}, nil
	}
	m, ok := args[i].(map[string]any)
	if !ok {
		return nil, Errorf(CodeInvalidArgs, "argument %d: want dict, got %T", i, args[i])
	}
	return m, nil
}
