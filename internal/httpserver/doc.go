// Package httpserver runs the inbound HTTP listeners: binding with a typed
// error, serving without a write deadline so long transfers can stream,
// and graceful shutdown.
package httpserver
