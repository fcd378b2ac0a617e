package core

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// RuleMarker distinguishes the three rule flavors unified by Evaluate: a
// single evaluator loop serves path, literal/variable, and context rules,
// differing only in how the request name is matched against a rule.
type RuleMarker int

const (
	MarkerPath    RuleMarker = iota // ancestor-directory / exact path match
	MarkerLiteral                   // exact name match (named variables, queries)
	MarkerClass                     // regex match (persistent class queries)
)

// AccessRule is one access-control rule: a path-or-name pattern, an
// admit/deny accesslist of IP or hostname patterns, a maproot list,
// whether encryption is required, and the rule's marker/kind.
type AccessRule struct {
	Pattern         string
	Admit           []string
	Deny            []string
	MapRoot         []string
	EncryptRequired bool
	Marker          RuleMarker
}

// Request is the subset of a post-auth command's context the evaluator
// needs to reach an allow/deny decision.
type Request struct {
	Name         string // path, literal name, or class pattern depending on Marker
	PeerIP       net.IP
	PeerHostname string
	Encrypted    bool
	RSAAuth      bool
}

// Decision is the result of evaluating a request against a rule set.
type Decision struct {
	Allowed bool
	MapRoot bool
}

// deny always wins over admit.
var denyAll = Decision{Allowed: false}

// Evaluate matches req against the rules carrying marker, applying the
// shared admit-then-deny, first-deny-overrides policy. An empty rule set
// means deny all.
func Evaluate(rules []AccessRule, marker RuleMarker, req Request) Decision {
	if len(rules) == 0 {
		return denyAll
	}
	for i := range rules {
		rule := rules[i]
		if rule.Marker != marker {
			continue
		}
		if !nameMatches(marker, req.Name, rule.Pattern) {
			continue
		}
		if !anyAccessMatches(rule.Admit, req.PeerIP, req.PeerHostname) {
			continue
		}
		if rule.EncryptRequired && !req.Encrypted {
			return denyAll
		}
		mapRoot := req.RSAAuth && anyAccessMatches(rule.MapRoot, req.PeerIP, req.PeerHostname)
		decision := Decision{Allowed: true, MapRoot: mapRoot}

		// Deny lists are evaluated on every matched admit: a more
		// specific deny (from this rule or any other rule naming the
		// same path/name) can revoke this admit.
		for j := range rules {
			dr := rules[j]
			if j == i || dr.Marker != marker || len(dr.Deny) == 0 {
				continue
			}
			if !nameMatches(marker, req.Name, dr.Pattern) {
				continue
			}
			if anyAccessMatches(dr.Deny, req.PeerIP, req.PeerHostname) {
				return denyAll
			}
		}
		if anyAccessMatches(rule.Deny, req.PeerIP, req.PeerHostname) {
			return denyAll
		}
		return decision
	}
	return denyAll
}

func nameMatches(marker RuleMarker, name, pattern string) bool {
	switch marker {
	case MarkerPath:
		return pathMatches(name, pattern)
	case MarkerLiteral:
		return name == pattern
	case MarkerClass:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(name)
	default:
		return false
	}
}

// pathMatches matches by exact equality or prefix-with-separator: the rule
// path must name the request path itself or an ancestor directory.
func pathMatches(requestPath, rulePath string) bool {
	requestPath = filepath.Clean(requestPath)
	rulePath = filepath.Clean(rulePath)
	if requestPath == rulePath {
		return true
	}
	return strings.HasPrefix(requestPath, rulePath+string(filepath.Separator))
}

func anyAccessMatches(patterns []string, ip net.IP, hostname string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, p := range patterns {
		if accessPatternMatches(p, ip, hostname) {
			return true
		}
	}
	return false
}

// accessPatternMatches matches a single admit/deny/maproot list entry
// against a peer's IP or claimed hostname. Entries may be a bare IP, a
// CIDR range, a glob-style wildcard ("10.*"), or a hostname suffix
// ("*.example.com").
func accessPatternMatches(pattern string, ip net.IP, hostname string) bool {
	if pattern == "*" {
		return true
	}
	if _, ipnet, err := net.ParseCIDR(pattern); err == nil && ip != nil {
		return ipnet.Contains(ip)
	}
	if ip != nil {
		if ok, _ := filepath.Match(pattern, ip.String()); ok {
			return true
		}
	}
	if hostname != "" {
		if ok, _ := filepath.Match(pattern, strings.ToLower(hostname)); ok {
			return true
		}
	}
	return false
}

// LoadAccessRules reads an access-rule file, one rule per non-blank,
// non-comment line:
//
//	<marker> <pattern> admit=<p1>,<p2> deny=<p3> maproot=<p4> encrypt=<y|n>
//
// marker is one of "path", "literal", or "class"; admit/deny/maproot are
// comma-separated accesslist patterns, and encrypt defaults to "n" when
// omitted.
func LoadAccessRules(path string) ([]AccessRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, NewProtoError(KindFatal, "access.load", err)
	}
	defer f.Close()

	var rules []AccessRule
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseAccessRuleLine(line)
		if err != nil {
			return nil, NewProtoError(KindFatal, "access.load", fmt.Errorf("line %d: %w", lineNo, err))
		}
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, NewProtoError(KindFatal, "access.load", err)
	}
	return rules, nil
}

func parseAccessRuleLine(line string) (AccessRule, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return AccessRule{}, fmt.Errorf("expected at least marker and pattern, got %q", line)
	}
	var rule AccessRule
	switch fields[0] {
	case "path":
		rule.Marker = MarkerPath
	case "literal":
		rule.Marker = MarkerLiteral
	case "class":
		rule.Marker = MarkerClass
	default:
		return AccessRule{}, fmt.Errorf("unknown marker %q", fields[0])
	}
	rule.Pattern = fields[1]

	for _, kv := range fields[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return AccessRule{}, fmt.Errorf("expected key=value, got %q", kv)
		}
		switch k {
		case "admit":
			rule.Admit = strings.Split(v, ",")
		case "deny":
			rule.Deny = strings.Split(v, ",")
		case "maproot":
			rule.MapRoot = strings.Split(v, ",")
		case "encrypt":
			rule.EncryptRequired = v == "y"
		default:
			return AccessRule{}, fmt.Errorf("unknown key %q", k)
		}
	}
	return rule, nil
}

// NormalizePath folds the request path to lowercase on case-insensitive
// systems and maps the virtual /var/cfengine prefix onto the configured
// work directory. Symlink resolution is left to the caller
// (os.Lstat/filepath.EvalSymlinks) since it requires touching the
// filesystem.
func NormalizePath(requestPath, virtualRoot, realRoot string, caseInsensitive bool) string {
	p := filepath.Clean(requestPath)
	if virtualRoot != "" && (p == virtualRoot || strings.HasPrefix(p, virtualRoot+string(filepath.Separator))) {
		p = realRoot + strings.TrimPrefix(p, virtualRoot)
	}
	if caseInsensitive {
		p = strings.ToLower(p)
	}
	return filepath.Clean(p)
}
