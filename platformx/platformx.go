// Package platformx contains platform specific code.
package platformx

// WarnIfNotFullySupported will emit a warning if the platform cannot
// gather TCP_INFO statistics, which reduces the information included
// in ndt7 measurement messages.
func WarnIfNotFullySupported() {
	maybeEmitWarning()
}
