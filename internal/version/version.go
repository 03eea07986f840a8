// Package version reports the release of the enricher.
package version

// Current is the released version, without a "v" prefix.
const Current = "0.3.0"
