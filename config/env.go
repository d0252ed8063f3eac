package config

import (
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ParseRoutes parses the compact route list used in the environment:
//
//	/api=localhost:9001,/auth=localhost:9002/v2
//
// A path after the port is the rewrite prefix.
func ParseRoutes(s string) ([]RouteConfig, error) {
	var routes []RouteConfig
	for _, entry := range splitList(s) {
		prefix, target, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(prefix) == "" {
			return nil, fmt.Errorf("route %q: want prefix=host:port", entry)
		}

		tc, rewrite, err := parseTarget(target)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", entry, err)
		}
		routes = append(routes, RouteConfig{
			Prefix:       strings.TrimSpace(prefix),
			TargetConfig: tc,
			Rewrite:      rewrite,
		})
	}
	return routes, nil
}

// ParseListeners parses ":4120=localhost:5040,:4121=localhost:5041".
func ParseListeners(s string) ([]ListenerConfig, error) {
	var listeners []ListenerConfig
	for _, entry := range splitList(s) {
		addr, target, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("listener %q: want address=host:port", entry)
		}

		tc, rewrite, err := parseTarget(target)
		if err != nil {
			return nil, fmt.Errorf("listener %q: %w", entry, err)
		}
		if rewrite != "" {
			return nil, fmt.Errorf("listener %q: a listener target takes no path", entry)
		}
		listeners = append(listeners, ListenerConfig{
			Address:      normalizeAddress(addr),
			TargetConfig: tc,
		})
	}
	return listeners, nil
}

// ParseTarget parses "host:port".
func ParseTarget(s string) (TargetConfig, error) {
	tc, rewrite, err := parseTarget(s)
	if err != nil {
		return TargetConfig{}, err
	}
	if rewrite != "" {
		return TargetConfig{}, fmt.Errorf("target %q: unexpected path", s)
	}
	return tc, nil
}

func parseTarget(s string) (TargetConfig, string, error) {
	s = strings.TrimSpace(s)

	hostPort, rewrite := s, ""
	if i := strings.Index(s, "/"); i >= 0 {
		hostPort, rewrite = s[:i], s[i:]
	}

	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return TargetConfig{}, "", fmt.Errorf("target %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return TargetConfig{}, "", fmt.Errorf("target %q: invalid port %q", s, portStr)
	}

	return TargetConfig{Host: host, Port: port}, rewrite, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var (
	routesType    = reflect.TypeOf([]RouteConfig(nil))
	listenersType = reflect.TypeOf([]ListenerConfig(nil))
	targetType    = reflect.TypeOf(TargetConfig{})
)

// stringToRoutesHook decodes the compact environment forms of routes,
// listeners and the default route. Values are handed on as maps so the
// regular struct decoding applies.
func stringToRoutesHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		s, _ := data.(string)

		switch to {
		case routesType:
			routes, err := ParseRoutes(s)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]interface{}, 0, len(routes))
			for _, r := range routes {
				out = append(out, map[string]interface{}{
					"prefix":      r.Prefix,
					"target_host": r.Host,
					"target_port": r.Port,
					"rewrite":     r.Rewrite,
				})
			}
			return out, nil

		case listenersType:
			listeners, err := ParseListeners(s)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]interface{}, 0, len(listeners))
			for _, l := range listeners {
				out = append(out, map[string]interface{}{
					"address":     l.Address,
					"target_host": l.Host,
					"target_port": l.Port,
				})
			}
			return out, nil

		case targetType:
			if strings.TrimSpace(s) == "" {
				return map[string]interface{}{}, nil
			}
			tc, err := ParseTarget(s)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"target_host": tc.Host,
				"target_port": tc.Port,
			}, nil
		}

		return data, nil
	}
}
