package inference

import (
	"os"
	"runtime"
)

// LibraryPathEnv overrides the onnxruntime shared library location.
const LibraryPathEnv = "ONNXRUNTIME_LIB"

// GetSharedLibPath returns the path to the onnxruntime shared library for the
// current platform, or the value of ONNXRUNTIME_LIB when it is set.
//
// Returns:
//   - string: The path to the shared library, empty for an unsupported platform.
func GetSharedLibPath() string {
	if path := os.Getenv(LibraryPathEnv); path != "" {
		return path
	}
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.1.23.0.dylib"
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
	return ""
}
