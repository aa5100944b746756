package mqtt

import (
	"fmt"
	"strings"
)

// TopicRoot is the first level of every shellpipe topic.
const TopicRoot = "shellpipe"

// Topics builds the topics owned by a single shellpipe instance. The client ID
// keeps several instances on one broker apart.
type Topics struct {
	ClientID string
}

// NewTopics returns the topic builder for clientID.
func NewTopics(clientID string) Topics {
	return Topics{ClientID: clientID}
}

func (t Topics) base() string {
	return fmt.Sprintf("%s/%s", TopicRoot, t.ClientID)
}

// Request returns the topic a caller publishes a statement to.
//
// Example: shellpipe/shellpipe-01/request/req-abc123
func (t Topics) Request(requestID string) string {
	return t.base() + "/request/" + requestID
}

// Requests is the wildcard subscription matching every Request topic.
func (t Topics) Requests() string {
	return t.base() + "/request/+"
}

// Reply returns the topic the result for requestID is published to.
func (t Topics) Reply(requestID string) string {
	return t.base() + "/reply/" + requestID
}

// Event returns the topic completion events of the given kind go to.
//
// Example: shellpipe/shellpipe-01/event/query
func (t Topics) Event(kind string) string {
	return t.base() + "/event/" + kind
}

// Events is the wildcard subscription matching every Event topic.
func (t Topics) Events() string {
	return t.base() + "/event/+"
}

// Status returns the retained online/offline topic.
func (t Topics) Status() string {
	return t.base() + "/status"
}

// All matches every topic of this instance.
func (t Topics) All() string {
	return t.base() + "/#"
}

// RequestID extracts the request ID from a Request topic. It reports false
// for topics that do not belong to this instance or carry an empty ID.
func (t Topics) RequestID(topic string) (string, bool) {
	prefix := t.base() + "/request/"
	id, ok := strings.CutPrefix(topic, prefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
