package constant

// Set at link time via -ldflags.
var (
	Version     = "dev"
	CompileTime = "unknown"
)
