package redis

import "strings"

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "shelf:"

type keyspace struct {
	prefix string
}

// stateKey holds an object's state: shelf:state:{key}
func (k keyspace) stateKey(key string) string { return k.prefix + "state:" + key }

// lockKey holds an object's lock token: shelf:lock:{key}
func (k keyspace) lockKey(key string) string { return k.prefix + "lock:" + key }

// signalKey holds a signal resolution: shelf:signal:{id}
func (k keyspace) signalKey(id string) string { return k.prefix + "signal:" + id }

// signalChannel announces a signal resolution: shelf:signal:{id}
func (k keyspace) signalChannel(id string) string { return k.prefix + "signal:" + id }

// signalPattern matches every signal channel: shelf:signal:*
func (k keyspace) signalPattern() string { return escapeGlob(k.prefix) + "signal:*" }

// mailboxKey is the list behind a mailbox topic: shelf:mailbox:{topic}
func (k keyspace) mailboxKey(topic string) string { return k.prefix + "mailbox:" + topic }

// escapeGlob escapes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
