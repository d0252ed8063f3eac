// Package route holds the static route table: path prefixes mapped to
// upstream targets, resolved longest-prefix-first with an optional default.
package route
