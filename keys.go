package jiggler

import "strings"

const reserveSuffix = ":in_progress:"

// keyspace derives every Redis key from a single prefix.
type keyspace struct {
	prefix string
}

func (k keyspace) queuePrefix() string  { return k.prefix + ":list:" }
func (k keyspace) list(q string) string { return k.queuePrefix() + q }

// reservation is the at-least-once lease list for (queue, owner).
func (k keyspace) reservation(q, owner string) string {
	return k.list(q) + reserveSuffix + owner
}

func (k keyspace) reservationPattern() string { return k.queuePrefix() + "*" + reserveSuffix + "*" }
func (k keyspace) queuePattern() string       { return k.queuePrefix() + "*" }

func (k keyspace) retrySet() string     { return k.prefix + ":set:retries" }
func (k keyspace) scheduledSet() string { return k.prefix + ":set:scheduled" }
func (k keyspace) deadSet() string      { return k.prefix + ":set:dead" }

func (k keyspace) processPrefix() string          { return k.prefix + ":svr:" }
func (k keyspace) process(identity string) string { return k.processPrefix() + identity }
func (k keyspace) processPattern() string         { return k.processPrefix() + "*" }

func (k keyspace) processedCounter() string { return k.prefix + ":stats:processed" }
func (k keyspace) failuresCounter() string  { return k.prefix + ":stats:failures" }

// parseReservation splits a reservation key into its queue and owner.
func (k keyspace) parseReservation(key string) (queue, owner string, ok bool) {
	rest, found := strings.CutPrefix(key, k.queuePrefix())
	if !found {
		return "", "", false
	}
	queue, owner, found = strings.Cut(rest, reserveSuffix)
	if !found || queue == "" || owner == "" {
		return "", "", false
	}
	return queue, owner, true
}

// isQueueList reports whether key is a plain queue list rather than a
// reservation list.
func (k keyspace) isQueueList(key string) bool {
	return strings.HasPrefix(key, k.queuePrefix()) && !strings.Contains(key, reserveSuffix)
}
