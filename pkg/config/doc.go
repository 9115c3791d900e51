// Package config loads and validates the runner configuration.
//
// Configuration is a single YAML document. Load starts from
// DefaultConfig and unmarshals the file over it, so a partial file
// only overrides the keys it names:
//
//	runner:
//	  environment: production
//	  default_namespace: platform
//	store:
//	  path: /var/lib/moor/moor.db
//	logging:
//	  level: debug
//	  format: json
//	policy:
//	  paths:
//	    - /etc/moor/policies
//	  watch: true
//
// Durations accept Go duration strings ("30s", "5m") as well as bare
// numbers, which are read as seconds.
//
// The bridge methods Telemetry, SQLite and APIClient translate the
// relevant sections into the configuration types of the packages that
// consume them, keeping this package the only place that knows the
// full document shape.
package config
