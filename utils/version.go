package utils

// Set via the linker at release build time.
var (
	Tag        string
	GitHash    string
	BuildStamp string
)
