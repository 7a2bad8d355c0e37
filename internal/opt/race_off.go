//go:build !race

package opt

// Race_ reports whether the race detector is enabled.
// Stress tests shrink their parameters when it is.
const Race_ = false
