package core

import "strings"

// ShortcutTable maps a short alias to a path template. Templates may
// reference $(IP), $(HOSTNAME), and $(DIGEST), which ResolvePath substitutes
// with the requesting peer's values.
type ShortcutTable map[string]string

// ResolvePath expands a shortcut alias (if requestPath names one verbatim)
// and substitutes any peer-specific placeholders in the result.
func (t ShortcutTable) ResolvePath(requestPath string, conn *Conn) string {
	target := requestPath
	if expansion, ok := t[requestPath]; ok {
		target = expansion
	}
	replacer := strings.NewReplacer(
		"$(IP)", safeString(conn.PeerIP.String()),
		"$(HOSTNAME)", conn.ClaimedHostname,
		"$(DIGEST)", conn.PeerDigest,
	)
	return replacer.Replace(target)
}

func safeString(s string) string {
	if s == "<nil>" {
		return ""
	}
	return s
}
