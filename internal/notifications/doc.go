// Package notifications sends ntfy alerts when a study fails.
//
// Watch joins the failure topics as its own consumer group, so alerts never
// compete with pipeline stages for deliveries. With no ntfy topic configured
// the service is a no-op.
package notifications
