// Package upstream tracks the targets relay forwards to. Each distinct
// host:port gets one Upstream holding its probe reachability and in-flight
// connection count; the Registry owns them for the process lifetime.
package upstream
