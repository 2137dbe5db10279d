// Package locator parses and classifies the source and target endpoint
// strings the engine is invoked with.
package locator

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/serenadb/seren-replicator/internal/errs"
)

// Kind identifies which source adapter a locator resolves to.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindSQLite   Kind = "sqlite"
	KindMongoDB  Kind = "mongodb"
	KindMySQL    Kind = "mysql"
)

var sqliteSuffixes = []string{".db", ".sqlite", ".sqlite3"}

// Source is a detected, parsed source endpoint.
type Source struct {
	Raw  string
	Kind Kind

	// Populated for network-based kinds (postgres/mongodb/mysql).
	Host     string
	Port     int
	Username string
	Password string
	Database string
	SSLMode  string
	Params   map[string]string

	// Populated for sqlite only.
	FilePath string
}

// Target is always a PostgreSQL endpoint.
type Target struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
	SSLMode  string
	Params   map[string]string
}

// DetectKind classifies a raw source locator per the scheme/suffix rule.
func DetectKind(raw string) (Kind, error) {
	switch {
	case strings.HasPrefix(raw, "postgresql://"), strings.HasPrefix(raw, "postgres://"):
		return KindPostgres, nil
	case strings.HasPrefix(raw, "mongodb://"), strings.HasPrefix(raw, "mongodb+srv://"):
		return KindMongoDB, nil
	case strings.HasPrefix(raw, "mysql://"):
		return KindMySQL, nil
	}

	for _, suffix := range sqliteSuffixes {
		if strings.HasSuffix(strings.ToLower(raw), suffix) {
			if hasTraversal(raw) {
				return "", errs.New(errs.InvalidInput, "locator.DetectKind", "sqlite path must not contain \"..\" path segments")
			}
			if info, err := os.Stat(raw); err == nil && info.Mode().IsRegular() {
				return KindSQLite, nil
			}
		}
	}

	return "", errs.New(errs.InvalidInput, "locator.DetectKind", fmt.Sprintf("cannot determine source kind for %q", sanitizeForMessage(raw)))
}

// ParseSource parses a raw source locator into a Source.
func ParseSource(raw string) (*Source, error) {
	kind, err := DetectKind(raw)
	if err != nil {
		return nil, err
	}

	if kind == KindSQLite {
		return &Source{Raw: raw, Kind: KindSQLite, FilePath: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.New(errs.InvalidInput, "locator.ParseSource", "malformed connection string")
	}

	if u.Hostname() == "" {
		return nil, errs.New(errs.InvalidInput, "locator.ParseSource", "host is required")
	}

	src := &Source{Raw: raw, Kind: kind, Host: u.Hostname(), Params: map[string]string{}}

	if u.Port() != "" {
		port, convErr := strconv.Atoi(u.Port())
		if convErr != nil {
			return nil, errs.New(errs.InvalidInput, "locator.ParseSource", "invalid port")
		}
		src.Port = port
	} else {
		src.Port = defaultPort(kind)
	}

	if u.User != nil {
		src.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			src.Password = pw
		}
	}

	src.Database = strings.Trim(u.Path, "/")

	for key, values := range u.Query() {
		if len(values) > 0 {
			src.Params[key] = values[0]
		}
	}
	src.SSLMode = sslModeFor(kind, src.Params)

	return src, nil
}

// ParseTarget parses a raw target locator, which is always a PostgreSQL endpoint.
func ParseTarget(raw string) (*Target, error) {
	if !strings.HasPrefix(raw, "postgresql://") && !strings.HasPrefix(raw, "postgres://") {
		return nil, errs.New(errs.InvalidInput, "locator.ParseTarget", "target must be a postgresql:// locator")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.New(errs.InvalidInput, "locator.ParseTarget", "malformed connection string")
	}
	if u.Hostname() == "" {
		return nil, errs.New(errs.InvalidInput, "locator.ParseTarget", "host is required")
	}

	tgt := &Target{Host: u.Hostname(), Database: strings.Trim(u.Path, "/"), Params: map[string]string{}}

	if u.Port() != "" {
		port, convErr := strconv.Atoi(u.Port())
		if convErr != nil {
			return nil, errs.New(errs.InvalidInput, "locator.ParseTarget", "invalid port")
		}
		tgt.Port = port
	} else {
		tgt.Port = 5432
	}

	if u.User != nil {
		tgt.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			tgt.Password = pw
		}
	}

	for key, values := range u.Query() {
		if len(values) > 0 {
			tgt.Params[key] = values[0]
		}
	}
	tgt.SSLMode = tgt.Params["sslmode"]
	if tgt.SSLMode == "" {
		tgt.SSLMode = "prefer"
	}

	return tgt, nil
}

func defaultPort(kind Kind) int {
	switch kind {
	case KindPostgres:
		return 5432
	case KindMongoDB:
		return 27017
	case KindMySQL:
		return 3306
	default:
		return 0
	}
}

func sslModeFor(kind Kind, params map[string]string) string {
	if kind == KindMongoDB {
		if params["ssl"] == "true" || params["tls"] == "true" {
			return "require"
		}
		return "disable"
	}
	if mode, ok := params["sslmode"]; ok {
		return mode
	}
	return "prefer"
}

// DSN renders a network source's connection detail back into a scheme-specific DSN.
func (s *Source) DSN() string {
	u := url.URL{
		Scheme: string(s.Kind),
		Host:   fmt.Sprintf("%s:%d", s.Host, s.Port),
		Path:   "/" + s.Database,
	}
	if s.Kind == KindPostgres {
		u.Scheme = "postgres"
	}
	if s.Username != "" {
		if s.Password != "" {
			u.User = url.UserPassword(s.Username, s.Password)
		} else {
			u.User = url.User(s.Username)
		}
	}
	q := url.Values{}
	for k, v := range s.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// WithoutPassword renders the locator with the password redacted, safe for logs.
func (s *Source) WithoutPassword() string {
	if s.Password == "" {
		return s.Raw
	}
	return strings.Replace(s.Raw, s.Password, "********", 1)
}

// hasTraversal reports whether raw contains a ".." path segment, per
// original_source's validate_sqlite_path (which canonicalizes the path
// specifically to defeat traversal outside an allowed directory).
func hasTraversal(raw string) bool {
	for _, part := range strings.Split(raw, string(filepath.Separator)) {
		if part == ".." {
			return true
		}
	}
	return false
}

// credentialInURL matches a URL's userinfo component (user, or user:pass,
// between the scheme separator and the host) so it can be redacted wholesale
// rather than trusting the caller to know a specific password substring.
var credentialInURL = regexp.MustCompile(`://[^/@?#]*@`)

// sanitizeForMessage strips control characters, redacts any userinfo
// (username/password) and query string an unrecognized locator might carry,
// and truncates the result for inclusion in an error message. A locator that
// fails to classify may still be a well-formed, credential-bearing URL, so
// this must never echo one back verbatim — matching toolrunner.redactCredentials'
// treatment of tool output.
func sanitizeForMessage(raw string) string {
	const maxLen = 100
	b := strings.Map(func(r rune) rune {
		if r < 0x20 {
			return -1
		}
		return r
	}, raw)

	b = credentialInURL.ReplaceAllString(b, "://***@")
	if idx := strings.IndexAny(b, "?#"); idx >= 0 {
		b = b[:idx]
	}

	if len(b) > maxLen {
		return b[:maxLen]
	}
	return b
}
