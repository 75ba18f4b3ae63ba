// The msrp uri package parses and serializes MSRP URIs.
//
// Please read @doc RFC 4975, @page 13, @section 6. The MSRP URI.
//   msrp-uri = msrp-scheme "://" authority "/" session-id
//              ";" transport *( ";" URI-parameter)
//   msrp-scheme = "msrp" / "msrps"
package uri

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// InvalidUriError reports a malformed MSRP URI.
type InvalidUriError struct {
	Input  string
	Reason string
}

func (e *InvalidUriError) Error() string {
	return fmt.Sprintf("invalid msrp uri %q: %v", e.Input, e.Reason)
}

var errEmptyInput = errors.New("empty uri")

// URI is a parsed msrp:// or msrps:// URI.
//
// A fully-formed local URI always carries Authority, Port, SessionId
// and Transport; User is optional.
type URI struct {
	Secure    bool
	User      string
	Authority string
	Port      uint16
	HasPort   bool
	SessionId string
	Transport string
}

// Parse parses s into a URI, or returns an *InvalidUriError.
func Parse(s string) (*URI, error) {
	if s == "" {
		return nil, &InvalidUriError{Input: s, Reason: errEmptyInput.Error()}
	}

	rest := s
	var secure bool
	switch {
	case strings.HasPrefix(strings.ToLower(rest), "msrps://"):
		secure = true
		rest = rest[len("msrps://"):]
	case strings.HasPrefix(strings.ToLower(rest), "msrp://"):
		secure = false
		rest = rest[len("msrp://"):]
	default:
		return nil, &InvalidUriError{Input: s, Reason: "missing msrp:// or msrps:// scheme"}
	}

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return nil, &InvalidUriError{Input: s, Reason: "missing session-id path component"}
	}
	authorityPart := rest[:slash]
	pathPart := rest[slash+1:]

	var user, authority string
	if at := strings.IndexByte(authorityPart, '@'); at >= 0 {
		user = authorityPart[:at]
		authority = authorityPart[at+1:]
	} else {
		authority = authorityPart
	}
	if authority == "" {
		return nil, &InvalidUriError{Input: s, Reason: "empty authority"}
	}

	var port uint16
	var hasPort bool
	if colon := strings.LastIndexByte(authority, ':'); colon >= 0 {
		portStr := authority[colon+1:]
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, &InvalidUriError{Input: s, Reason: "invalid port: " + err.Error()}
		}
		port = uint16(p)
		hasPort = true
		authority = authority[:colon]
	}
	if authority == "" {
		return nil, &InvalidUriError{Input: s, Reason: "empty authority"}
	}

	segs := strings.Split(pathPart, ";")
	if len(segs) < 2 {
		return nil, &InvalidUriError{Input: s, Reason: "missing transport parameter"}
	}
	sessionId := segs[0]
	transport := segs[1]
	if sessionId == "" {
		return nil, &InvalidUriError{Input: s, Reason: "empty session-id"}
	}
	if transport == "" {
		return nil, &InvalidUriError{Input: s, Reason: "empty transport"}
	}

	return &URI{
		Secure:    secure,
		User:      user,
		Authority: authority,
		Port:      port,
		HasPort:   hasPort,
		SessionId: sessionId,
		Transport: transport,
	}, nil
}

// String serializes the URI in canonical form:
//   scheme://[user@]authority[:port]/sessionId;transport
func (u *URI) String() string {
	var b strings.Builder
	if u.Secure {
		b.WriteString("msrps://")
	} else {
		b.WriteString("msrp://")
	}
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	b.WriteString(u.Authority)
	if u.HasPort {
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(u.Port), 10))
	}
	b.WriteByte('/')
	b.WriteString(u.SessionId)
	b.WriteByte(';')
	b.WriteString(u.Transport)
	return b.String()
}

// Equal compares two URIs per spec.md §3: Secure and SessionId are
// case-sensitive, Authority and Transport are case-insensitive, Port
// is numeric equality (absence of a port on either side means "no
// numeric port to compare", which is only equal to another absent port).
func (u *URI) Equal(o *URI) bool {
	if o == nil {
		return false
	}
	if u.Secure != o.Secure {
		return false
	}
	if !strings.EqualFold(u.Authority, o.Authority) {
		return false
	}
	if u.HasPort != o.HasPort {
		return false
	}
	if u.HasPort && u.Port != o.Port {
		return false
	}
	if u.SessionId != o.SessionId {
		return false
	}
	if !strings.EqualFold(u.Transport, o.Transport) {
		return false
	}
	return true
}
