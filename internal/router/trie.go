// Package router implements the subscription trie, wildcard matching, and
// retained-message store; the trie keeps routing O(topic depth) rather
// than linear in the subscriber count.
package router

import (
	"strings"

	"github.com/nyxlabs/nyxmq/internal/protocol"
)

// subscriber is one (session, granted QoS) pair held at a trie leaf.
type subscriber struct {
	sessionID string
	maxQoS    protocol.QoS
}

// node is one level of the subscription trie. children holds literal-level
// edges; plus and hash hold the single '+' and terminal '#' edges.
type node struct {
	children map[string]*node
	plus     *node
	hash     map[string]protocol.QoS // sessionID -> maxQoS for a '#' subscription rooted here
	subs     map[string]protocol.QoS // sessionID -> maxQoS for a literal/'+' subscription ending here
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Trie is a topic-level trie over subscription filters. Not safe for
// concurrent use without external locking; Router serialises access.
type Trie struct {
	root *node
}

// NewTrie returns an empty subscription trie.
func NewTrie() *Trie { return &Trie{root: newNode()} }

func splitLevels(topic string) []string {
	return strings.Split(topic, "/")
}

// Insert adds or replaces a (sessionID, filter) subscription at maxQoS;
// resubscribing replaces the previous grant.
func (t *Trie) Insert(sessionID, filter string, maxQoS protocol.QoS) {
	levels := splitLevels(filter)
	n := t.root
	for i, lvl := range levels {
		if lvl == "#" {
			if n.hash == nil {
				n.hash = make(map[string]protocol.QoS)
			}
			n.hash[sessionID] = maxQoS
			return
		}
		key := lvl
		if lvl == "+" {
			if n.plus == nil {
				n.plus = newNode()
			}
			if i == len(levels)-1 {
				if n.plus.subs == nil {
					n.plus.subs = make(map[string]protocol.QoS)
				}
				n.plus.subs[sessionID] = maxQoS
				return
			}
			n = n.plus
			continue
		}
		child, ok := n.children[key]
		if !ok {
			child = newNode()
			n.children[key] = child
		}
		if i == len(levels)-1 {
			if child.subs == nil {
				child.subs = make(map[string]protocol.QoS)
			}
			child.subs[sessionID] = maxQoS
			return
		}
		n = child
	}
}

// Remove deletes the (sessionID, filter) subscription, pruning any branch
// left with no subscribers and no children.
func (t *Trie) Remove(sessionID, filter string) {
	levels := splitLevels(filter)
	removeRec(t.root, levels, sessionID)
}

func removeRec(n *node, levels []string, sessionID string) (empty bool) {
	if n == nil {
		return true
	}
	if len(levels) == 0 {
		return len(n.children) == 0 && n.plus == nil && len(n.hash) == 0 && len(n.subs) == 0
	}
	lvl := levels[0]
	rest := levels[1:]

	switch {
	case lvl == "#":
		delete(n.hash, sessionID)
	case lvl == "+":
		if n.plus != nil {
			if len(rest) == 0 {
				delete(n.plus.subs, sessionID)
			}
			if childEmpty := removeRec(n.plus, rest, sessionID); childEmpty && len(rest) > 0 {
				n.plus = nil
			} else if len(rest) == 0 && isNodeEmpty(n.plus) {
				n.plus = nil
			}
		}
	default:
		child, ok := n.children[lvl]
		if ok {
			if len(rest) == 0 {
				delete(child.subs, sessionID)
			} else {
				removeRec(child, rest, sessionID)
			}
			if isNodeEmpty(child) {
				delete(n.children, lvl)
			}
		}
	}
	return len(n.children) == 0 && n.plus == nil && len(n.hash) == 0 && len(n.subs) == 0
}

func isNodeEmpty(n *node) bool {
	return n != nil && len(n.children) == 0 && n.plus == nil && len(n.hash) == 0 && len(n.subs) == 0
}

// Match walks the trie against topic's levels and returns the maximum
// granted QoS for every session with at least one matching subscription.
// Topics beginning with '$' are never matched by a root wildcard edge.
func (t *Trie) Match(topic string) map[string]protocol.QoS {
	result := make(map[string]protocol.QoS)
	levels := splitLevels(topic)
	// A leading '$' segment is never reached through a wildcard edge at
	// the root; deeper levels may still use wildcards once
	// a subscription has matched the '$'-segment literally.
	suppressRootWildcard := strings.HasPrefix(topic, "$")
	matchRec(t.root, levels, suppressRootWildcard, result)
	return result
}

func matchRec(n *node, levels []string, suppressWildcard bool, result map[string]protocol.QoS) {
	if n == nil {
		return
	}
	if len(levels) == 0 {
		mergeInto(result, n.subs)
		// '#' matches zero trailing levels, so a subscription like
		// "sport/#" also matches the topic "sport" itself.
		if !suppressWildcard {
			mergeInto(result, n.hash)
		}
		return
	}
	lvl := levels[0]
	rest := levels[1:]

	if child, ok := n.children[lvl]; ok {
		matchRec(child, rest, false, result)
	}
	if !suppressWildcard && n.plus != nil {
		matchRec(n.plus, rest, false, result)
	}
	if !suppressWildcard && len(n.hash) > 0 {
		mergeInto(result, n.hash)
	}
}

func mergeInto(result map[string]protocol.QoS, src map[string]protocol.QoS) {
	for sessionID, qos := range src {
		if cur, ok := result[sessionID]; !ok || qos > cur {
			result[sessionID] = qos
		}
	}
}

// RemoveSession deletes every subscription sessionID holds, given its known
// filters (the router tracks filters per session so this doesn't require a
// full trie walk).
func (t *Trie) RemoveSession(sessionID string, filters []string) {
	for _, f := range filters {
		t.Remove(sessionID, f)
	}
}
