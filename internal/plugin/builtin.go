package plugin

import "context"

// AllowAllFilter grants every authentication attempt and every topic
// action. It is the zero-configuration default when no auth or
// topic-check plugins are configured; packaged plugins backed by a file or
// relational store are out of scope for this core.
type AllowAllFilter struct{}

func (AllowAllFilter) Authenticate(context.Context, string, string, []byte) bool { return true }
func (AllowAllFilter) TopicFilter(context.Context, string, string, Action) bool  { return true }

// StaticCredentialFilter authenticates against a fixed username/password
// table held in memory. Topic checks always pass; pair with a dedicated
// topic filter for ACLs.
type StaticCredentialFilter struct {
	Credentials map[string]string // username -> password
}

func (f StaticCredentialFilter) Authenticate(_ context.Context, _ string, username string, password []byte) bool {
	want, ok := f.Credentials[username]
	if !ok {
		return false
	}
	return want == string(password)
}

func (StaticCredentialFilter) TopicFilter(context.Context, string, string, Action) bool { return true }
