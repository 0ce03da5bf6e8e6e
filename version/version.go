// Package version contains version information for this library.
package version

// Version is the version of this library.
const Version = "0.27.0"

// NDTVersionCompat is the NDT server version we claim compatibility
// with when logging in. Legacy servers refuse clients whose declared
// version they do not recognize, hence the conservative value.
const NDTVersionCompat = "v3.7.0"
