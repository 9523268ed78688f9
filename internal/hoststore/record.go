// Package hoststore is responsible for the host records directory: one JSON
// file per domain describing where the gateway sends its traffic.
package hoststore

// Record is a single host record.  Records are read-only for the gateway, the
// CLI owns them.
type Record struct {
	// Security is the TLS key material of the domain.  If set, the domain is
	// served over HTTPS as well.
	Security *Security `json:"security,omitempty"`

	// PendingChallenge is the ACME HTTP-01 challenge that is being validated
	// right now, if any.
	PendingChallenge *Challenge `json:"letsEncryptAuth,omitempty"`

	// AccessPolicy restricts the client addresses allowed to reach the
	// domain.
	AccessPolicy *AccessPolicy `json:"accessPolicy,omitempty"`

	// Domain is the domain name or a wildcard pattern, like "*.example.com".
	// It is the unique key of the record.
	Domain string `json:"domain"`

	// Target is either an upstream URL, like "http://127.0.0.1:8080", or a
	// path to the static files root.
	Target string `json:"target"`

	// Filename is the base name of the file the record has been read from.
	Filename string `json:"-"`

	// Enabled tells if the record must be served.
	Enabled bool `json:"enable"`

	// RedirectToHTTPS tells if the plain HTTP requests must be redirected to
	// HTTPS.  Only makes sense when Security is set.
	RedirectToHTTPS bool `json:"redirectToHttps,omitempty"`
}

// Security is the TLS key material of a domain.  Each field is either the
// PEM-encoded data itself or a path to the PEM file.
type Security struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
	CA   string `json:"ca,omitempty"`
}

// Challenge is an ACME HTTP-01 challenge.
type Challenge struct {
	// Token is the last element of the well-known challenge path.
	Token string `json:"token"`

	// Validation is the response body the CA expects.
	Validation string `json:"validation"`
}

// AccessPolicy is a list of allowed and denied client addresses.  Elements
// are either IP addresses or CIDR prefixes.
type AccessPolicy struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}
