// Package limits defines the domain types shared by the log-limit alerting
// pipeline: log records, limit alerts, notification subscribers and the
// delivery records that prove an alert was sent to a subscriber.
package limits
