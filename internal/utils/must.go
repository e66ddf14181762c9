package utils

// Must panics on error, for initialization values that can not fail at
// runtime.
func Must[T any](val T, err error) T {
	if err != nil {
		panic(err)
	}
	return val
}
