package api

// scopeTaxonomy is the authoritative, static intent-prefix taxonomy
// returned by GET /scopes. It generalizes the category constants a
// capability system would otherwise hard-code per collaborator
// (filesystem, network, shell, messaging, financial, spawn) into the
// dotted intent prefixes this daemon actually sees on the wire.
var scopeTaxonomy = map[string]string{
	"email.*":    "send, read, or manage email on the agent's behalf",
	"slack.*":    "post or read messages in chat workspaces",
	"http.*":     "make outbound HTTP requests",
	"llm.*":      "invoke a large language model, subject to spend caps",
	"file.*":     "read or write local files",
	"shell.*":    "execute local shell commands",
	"calendar.*": "read or modify calendar events",
}
