// Package config loads the StackFlow server configuration.
//
// Configuration is a YAML file read on top of DefaultConfig, followed by
// STACKFLOW_* environment overrides:
//
//	store:
//	  driver: sqlite
//	  sqlite:
//	    path: /var/lib/stackflow/stackflow.db
//	engine:
//	  workers: 16
//	  stall_ceiling: 2h
//	poll:
//	  interval: {kind: exponential, initial: 5s, max: 1m, multiplier: 2}
//	  timeout: 30m
//	notifications:
//	  sink: nats
//	  nats_url: nats://nats:4222
//	policies:
//	  dir: /etc/stackflow/policies
//	  params:
//	    max_scale_step: 10
//
// Supported overrides are STACKFLOW_STORE_DRIVER, STACKFLOW_SQLITE_PATH,
// STACKFLOW_REDIS_ADDRS (comma separated), STACKFLOW_REDIS_PASSWORD,
// STACKFLOW_REDIS_DB, STACKFLOW_REDIS_NAMESPACE, STACKFLOW_WORKERS,
// STACKFLOW_STRICT, STACKFLOW_STALL_CEILING, STACKFLOW_POLL_TIMEOUT,
// STACKFLOW_NOTIFICATION_SINK, STACKFLOW_NATS_URL, STACKFLOW_FEATURES_FILE,
// STACKFLOW_DEFINITIONS_DIR, STACKFLOW_POLICIES_DIR, STACKFLOW_LOG_LEVEL,
// STACKFLOW_LOG_FORMAT and STACKFLOW_METRICS_ADDRESS.
package config
