package router

import (
	"strings"
	"sync"

	"github.com/nyxlabs/nyxmq/internal/protocol"
)

// retainedStore holds at most one retained payload per concrete topic,
// last writer wins. An empty-payload retained PUBLISH clears the entry.
type retainedStore struct {
	mu   sync.RWMutex
	msgs map[string]*protocol.PublishPacket
}

func newRetainedStore() *retainedStore {
	return &retainedStore{msgs: make(map[string]*protocol.PublishPacket)}
}

func (r *retainedStore) handle(pub *protocol.PublishPacket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(pub.Payload) == 0 {
		delete(r.msgs, pub.Topic)
		return
	}
	r.msgs[pub.Topic] = pub
}

// matching returns every retained message whose topic matches filter,
// applying the same wildcard rules as live routing.
func (r *retainedStore) matching(filter string) []*protocol.PublishPacket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*protocol.PublishPacket
	filterDollar := strings.HasPrefix(filter, "$")
	for topic, msg := range r.msgs {
		topicDollar := strings.HasPrefix(topic, "$")
		if topicDollar != filterDollar {
			// A '$' topic is only reachable by a filter that also begins
			// with the same literal '$' segment.
			if !(topicDollar && filterDollar) {
				continue
			}
		}
		if filterMatchesTopic(filter, topic) {
			out = append(out, msg)
		}
	}
	return out
}

func (r *retainedStore) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.msgs)
}

// filterMatchesTopic reports whether a single topic filter matches a single
// concrete topic name, used only for the retained-message sweep (live
// routing instead walks the trie once for every published message).
func filterMatchesTopic(filter, topic string) bool {
	filterLevels := splitLevels(filter)
	topicLevels := splitLevels(topic)
	topicIsDollar := strings.HasPrefix(topic, "$")

	fi := 0
	for ti := 0; ti < len(topicLevels); ti++ {
		if fi >= len(filterLevels) {
			return false
		}
		flvl := filterLevels[fi]
		switch {
		case flvl == "#":
			return true
		case flvl == "+":
			if topicIsDollar && ti == 0 {
				return false
			}
			fi++
		case flvl == topicLevels[ti]:
			fi++
		default:
			return false
		}
	}
	if fi < len(filterLevels) && filterLevels[fi] == "#" {
		return true
	}
	return fi == len(filterLevels)
}
