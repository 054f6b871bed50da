package redstage

// keyspace derives every Redis key from the prefix. The {prefix} hash tag
// keeps all keys of one deployment in a single cluster slot.
type keyspace struct {
	prefix string
}

func (k keyspace) tag() string                       { return "{" + k.prefix + "}" }
func (k keyspace) list(name string) string           { return k.tag() + ":list:" + name }
func (k keyspace) index() string                     { return k.tag() + ":index" }
func (k keyspace) workers() string                   { return k.tag() + ":workers" }
func (k keyspace) claims() string                    { return k.tag() + ":claims" }
func (k keyspace) deadLetter() string                { return k.tag() + ":deadletter" }
func (k keyspace) eventChannel() string              { return k.prefix + ":events" }
func (k keyspace) queueEventChannel(q string) string { return k.prefix + ":" + q + ":events" }
