// Package notifier fans admin broadcasts out to registered users.
//
// A broadcast is one message delivered to many chats. Jobs are queued and
// worked by a small pool; sends go through a shared rate limiter so a large
// recipient list does not trip Telegram's flood limits. Individual failures
// are retried a few times and then counted against the job, never aborting
// the rest of the fan-out.
//
// Every delivery attempt is written to the event log with its success flag,
// so stats and audits can reconstruct exactly who a broadcast reached.
package notifier
