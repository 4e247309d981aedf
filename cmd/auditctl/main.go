// auditctl is the operator tool for the polyaudit request log.
//
// Usage:
//
//	# Delete records older than the configured retention
//	auditctl cleanup
//
//	# Preview a 30 day cleanup without deleting anything
//	auditctl cleanup --days 30 --dry-run
//
//	# Consume the Redis stream and write to the configured backends
//	auditctl worker --config /etc/polyaudit/config.yaml
package main

func main() {
	Execute()
}
