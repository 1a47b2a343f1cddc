package module

// Identity is one configured sending identity (account). Fields are
// read-only after profile load.
type Identity struct {
	// Name is the profile key of the identity, also used in synthesized
	// folder names ("Sent-<name>").
	Name string

	// From is the complete From header value (display name included).
	From string
	// Address is the bare email address used as the envelope sender.
	Address string

	// Hostname is the client host name used for EHLO and minted
	// Message-IDs.
	Hostname string

	// Folder URIs. Empty values mean "not configured": the copy engine
	// falls back to synthesized local folders.
	FccURI       string
	Fcc2URI      string
	DraftsURI    string
	TemplatesURI string
	OutboxURI    string
}
