// Package render turns a message template plus a variable set into the final
// subject, plain-text body and HTML body, including the trailing signature
// block synthesized from the sender-name and send-date placeholders.
package render

import (
	"fmt"
	"html"
	"maps"
	"regexp"
	"strings"
	"time"
)

// Template variables carrying the signature placeholders.
const (
	SenderNameVar = "{sender_name}"
	SendDateVar   = "{send_date}"
)

// Sentinel tokens substituted for the signature variables while building the
// HTML body, so the rendered values can be located and replaced by the
// composed signature block afterwards.
const (
	senderNameToken = "__BULKSEND_SENDER_NAME__"
	sendDateToken   = "__BULKSEND_SEND_DATE__"
)

// Matches the sender-name token followed by any run of separators (newlines,
// <br> tags, horizontal whitespace, numeric newline entities) followed by the
// send-date token.
var signatureTokensPattern = regexp.MustCompile(
	`(?i)` + senderNameToken + `(?:\r\n|\r|\n|<br\s*/?>|[ \t]|&nbsp;|&#10;|&#13;)+` + sendDateToken,
)

// FormatSendDate renders a timestamp as an unpadded 年/月/日 date.
func FormatSendDate(t time.Time) string {
	return fmt.Sprintf("%d年%d月%d日", t.Year(), int(t.Month()), t.Day())
}

// NormalizeSignature rewrites a plain-text body template so that, when both
// signature placeholders are present, they sit at the very end of the body on
// their own lines, separated from the content by exactly one blank line.
// Templates with only one or neither placeholder are returned untouched
// (apart from line-ending normalization).
func NormalizeSignature(bodyText string) string {
	normalized := strings.ReplaceAll(bodyText, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	if !strings.Contains(normalized, SenderNameVar) || !strings.Contains(normalized, SendDateVar) {
		return normalized
	}

	content := strings.ReplaceAll(normalized, SenderNameVar, "")
	content = strings.ReplaceAll(content, SendDateVar, "")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	if len(lines) > 0 {
		lines = append(lines, "")
	}
	lines = append(lines, SenderNameVar, SendDateVar)
	return strings.Join(lines, "\n")
}

// HTML builds the HTML body for a message. When an explicit HTML template is
// supplied it is rendered directly; otherwise the plain-text template is
// rendered, escaped and wrapped in a whitespace-preserving block. In both
// cases the signature placeholder pair is replaced by the composed signature
// block.
func HTML(bodyTextTemplate, bodyHTMLTemplate string, vars map[string]string, signatureName, sendDate string) (string, error) {
	tokenVars := maps.Clone(vars)
	tokenVars["sender_name"] = senderNameToken
	tokenVars["send_date"] = sendDateToken

	signature := signatureBlock(signatureName, sendDate)

	if bodyHTMLTemplate != "" {
		rendered, err := Text(bodyHTMLTemplate, tokenVars)
		if err != nil {
			return "", err
		}
		return injectSignature(rendered, signature, signatureName, sendDate), nil
	}

	rendered, err := Text(bodyTextTemplate, tokenVars)
	if err != nil {
		return "", err
	}
	wrapped := `<div style="white-space: pre-wrap; line-height: 1.8;">` + html.EscapeString(rendered) + `</div>`
	return injectSignature(wrapped, signature, signatureName, sendDate), nil
}

func signatureBlock(signatureName, sendDate string) string {
	safeName := html.EscapeString(signatureName)
	safeDate := html.EscapeString(sendDate)
	return `<div style="margin-top:24px; display:flex; justify-content:flex-end; text-align:right;">` +
		`<table role="presentation" cellspacing="0" cellpadding="0" ` +
		`style="border-collapse:collapse; text-align:center;">` +
		`<tr><td style="padding: 0 0 6px 0;">` + safeName + `</td></tr>` +
		`<tr><td style="padding: 0;">` + safeDate + `</td></tr>` +
		`</table>` +
		`</div>`
}

func injectSignature(contentHTML, signatureHTML, signatureName, sendDate string) string {
	composed := signatureTokensPattern.ReplaceAllLiteralString(contentHTML, signatureHTML)
	// Stray tokens outside the matched pair fall back to their escaped
	// literal values; correctly normalized input never has any.
	composed = strings.ReplaceAll(composed, senderNameToken, html.EscapeString(signatureName))
	composed = strings.ReplaceAll(composed, sendDateToken, html.EscapeString(sendDate))
	return composed
}
