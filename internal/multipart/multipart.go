// Package multipart implements the ad-hoc multipart framing exchanged with
// the auth service. The format is intentionally not RFC 2046: the auth
// service parses parts positionally, so newline placement is load-bearing
// and must not be altered. Do not substitute mime/multipart here.
package multipart

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/authgate/internal/logging"
)

// Field names the auth service expects in a sign request, in order.
const (
	FieldAuthenticationToken = "AUTHENTICATION_TOKEN"
	FieldSessionDate         = "UM_SESSION_DATE"
	FieldOriginalPayload     = "ORIGINAL_PAYLOAD"
)

// NewBoundary returns a fresh boundary token per request, so a payload can
// never contain its own delimiter.
func NewBoundary() string {
	return "authgate-" + uuid.NewString()
}

// EncodeSignRequest builds the body POSTed to the auth service's sign
// endpoint: a Content-Type preamble followed by the authentication token,
// session date, and original payload as named form-data parts.
func EncodeSignRequest(boundary, authToken, sessionDate, payload string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Content-Type: multipart/form-data; boundary=%s\n\n--%s\n", boundary, boundary))
	sb.WriteString(fmt.Sprintf("Content-Disposition: form-data; name=%q\n\n%s\n--%s\n", FieldAuthenticationToken, authToken, boundary))
	sb.WriteString(fmt.Sprintf("Content-Disposition: form-data; name=%q\n\n%s\n--%s\n", FieldSessionDate, sessionDate, boundary))
	sb.WriteString(fmt.Sprintf("Content-Disposition: form-data; name=%q\n\n%s\n--%s--", FieldOriginalPayload, payload, boundary))
	return sb.String()
}

// EncodeManifestRequest builds the body forwarded to the final backend: the
// unsigned document verbatim (no part header), then the signed document and
// the ACL manifest as text/plain parts.
func EncodeManifestRequest(boundary, unsignedDocument, signedDocument, aclManifest string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Content-Type: multipart/form-data; boundary=%s\n\n--%s\n", boundary, boundary))
	sb.WriteString(fmt.Sprintf("%s\n--%s\n", unsignedDocument, boundary))
	sb.WriteString(fmt.Sprintf("Content-Type: text/plain\n\n%s\n--%s\n", signedDocument, boundary))
	sb.WriteString(fmt.Sprintf("Content-Type: text/plain\n\n%s\n--%s--", aclManifest, boundary))
	return sb.String()
}

// ExtractBoundary reads the boundary token from the first line of an encoded
// request. Returns "" when the first line carries no boundary parameter.
func ExtractBoundary(request string) string {
	line, _, _ := strings.Cut(request, "\n")
	headerInfo := strings.Split(line, ";")
	if len(headerInfo) < 2 {
		logging.Debug("multipart boundary not found", zap.String("first_line", line))
		return ""
	}
	return strings.TrimSpace(strings.Replace(headerInfo[1], "boundary=", "", 1))
}

// SplitParts splits an encoded body on the literal "--<boundary>" delimiter.
// Index 0 is the preamble; the final element is the "--" terminator remnant.
func SplitParts(request, boundary string) []string {
	return strings.Split(request, "--"+boundary)
}

// PartContent strips the header lines from a split part and returns the
// content exactly as it was encoded. Parts look like
// "\nHeader: v\n\ncontent\n"; the content runs from the first blank line to
// the trailing newline before the next delimiter. Parts with no header block
// (the unsigned document in a manifest request) are returned whole.
func PartContent(part string) string {
	body := part
	if _, after, found := strings.Cut(part, "\n\n"); found {
		body = after
	}
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimSuffix(body, "\n")
	return body
}
