package e2e

import "fmt"

const prodCatalogYAML = `environment:
  element_id: E
  name: prod
  subscription_id: sub-1
  services:
    - element_id: S1
      name: checkout
      actions:
        - element_id: A1
          name: pay
          components:
            - element_id: C1
              name: api
              checks:
                - element_id: chk1
                  name: latency
                - element_id: chk2
                  name: errors
notification_rules:
  - id: notify-root
    component_types: [environment]
    states: [warning, error, ok]
    notification_interval: 5m
    routes:
      - channel: http
        template: http_default
`

// e2eSingleModeConfig builds single-instance config with webhook notifications.
// Params: HTTP port, catalog dir, and webhook URL.
// Returns: TOML body.
func e2eSingleModeConfig(port int, catalogDir, webhookURL string) string {
	return fmt.Sprintf(`
[service]
name = "healthtree-e2e"
mode = "single"
notification_tick_sec = 1
flush_interval_sec = 1

[log.console]
enabled = true
level = "error"
format = "line"

[catalog]
dir = "%s"

[ingest.http]
enabled = true
listen = "127.0.0.1:%d"

[push]
sse_enabled = true

[metrics]
enabled = true

[notify.http]
enabled = true
url = "%s"
method = "POST"
timeout_sec = 2

[notify.http.retry]
enabled = false

[[notify.http.name-template]]
name = "http_default"
message = "{{ .Environment }} {{ .ElementID }} {{ .State }}"
`, catalogDir, port, webhookURL)
}

// e2eNATSModeConfig builds multi-instance config with JetStream state/history and NATS push.
// Params: HTTP port, catalog dir, and NATS URL.
// Returns: TOML body.
func e2eNATSModeConfig(port int, catalogDir, natsURL string) string {
	return fmt.Sprintf(`
[service]
name = "healthtree-e2e"
mode = "nats"
flush_interval_sec = 1

[log.console]
enabled = true
level = "error"
format = "line"

[catalog]
dir = "%s"

[ingest.http]
enabled = true
listen = "127.0.0.1:%d"

[ingest.nats]
enabled = false
url = ["%s"]

[state]
bucket = "state_e2e"
allow_create_buckets = true

[history]
backend = "nats"
bucket = "history_e2e"
allow_create_buckets = true

[push]
nats_enabled = true
subject_prefix = "healthtree.e2e"
`, catalogDir, port, natsURL)
}
