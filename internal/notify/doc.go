// Package notify is the single place where a notification becomes durable
// and visible to a user.
//
// Send persists the notification, pushes it to the user's realtime
// sessions and hands it to the handler registered for its channel. Only
// the persistence step can fail a Send; push and channel failures are
// logged.
//
// Schedule defers a Send through the job scheduler. Realtime delivery can
// be attached after construction, so the service does not constrain the
// order in which the transport layer starts.
package notify
