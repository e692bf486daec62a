/*
Package config provides the typed, read-only configuration tree handed to
the runtime and to every stage's Init.

# Keys

Values are addressed by dotted paths that walk nested maps, so a YAML file
like

	global:
	  threadManager: tpp
	  threadPool:
	    maxThreads: 16
	stages:
	  parse:
	    queueThreshold: 256

is read with

	cfg.String("global.threadManager", "tps")     // "tpp"
	cfg.Int("global.threadPool.maxThreads", 20)  // 16
	cfg.Stages()                                  // ["parse"]
	cfg.Sub("stages.parse").Int("queueThreshold", 0)

Flat maps with dotted keys ("global.crashOnException": true) resolve the
same way.

# Type Coercion

Every accessor takes a default that is returned when the key is missing or
the value cannot be converted. Numeric and boolean accessors also accept
strings ("42", "TRUE"). Durations accept time.ParseDuration strings; bare
numbers are milliseconds.

# File Loading

	cfg, err := config.FromFile("runtime.yaml")

FromYAML and FromJSON parse byte slices directly.

# Thread Safety

Config is safe for concurrent reads and is never modified after creation.
*/
package config
