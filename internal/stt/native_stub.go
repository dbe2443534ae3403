//go:build !whispercpp

package stt

// NativeAvailable reports whether the accelerated backend is compiled in.
func NativeAvailable() bool { return false }

// NativeFactory fails when the binary was built without the whispercpp tag.
func NativeFactory(string) (Backend, error) {
	return nil, ErrNativeUnavailable
}
