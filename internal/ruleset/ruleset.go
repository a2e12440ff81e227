// Package ruleset implements glob-pattern matching of action intents and
// targets against the allow/ask/block rule lists that make up a resolved
// policy.
package ruleset

import "strings"

// Result is the outcome of matching one rule against an intent/target pair.
type Result struct {
	Signature string
	Matched   bool
}

// Match evaluates rule against intent and target. A rule has the form
// "intent_glob[:target_glob]". Absence of ":target_glob" means the rule
// matches on intent alone, regardless of target. The returned signature is
// always the rule string itself, echoed back for audit.
func Match(rule, intent, target string) Result {
	res := Result{Signature: rule}
	if intent == "" {
		return res
	}

	intentGlob, targetGlob, hasTarget := split(rule)
	if !globMatch(intentGlob, intent) {
		return res
	}
	if !hasTarget {
		res.Matched = true
		return res
	}
	res.Matched = globMatch(targetGlob, target)
	return res
}

// FirstMatch returns the first rule in rules (in order) that matches
// intent/target, or ok=false if none do.
func FirstMatch(rules []string, intent, target string) (signature string, ok bool) {
	for _, rule := range rules {
		if r := Match(rule, intent, target); r.Matched {
			return r.Signature, true
		}
	}
	return "", false
}

// split divides a rule into its intent and target glob components.
func split(rule string) (intentGlob, targetGlob string, hasTarget bool) {
	if idx := strings.IndexByte(rule, ':'); idx >= 0 {
		return rule[:idx], rule[idx+1:], true
	}
	return rule, "", false
}

// globMatch reports whether s matches pattern, where pattern may contain "*"
// wildcards meaning "any run of characters, including none". The match is
// anchored at both ends. Unlike filepath.Match, "*" here matches any
// character including "/" -- targets are opaque strings (URLs, paths, channel
// names), not filesystem paths, so there is no separator to respect.
func globMatch(pattern, s string) bool {
	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, segments[0]) {
		return false
	}
	s = s[len(segments[0]):]

	for _, seg := range segments[1 : len(segments)-1] {
		idx := strings.Index(s, seg)
		if idx < 0 {
			return false
		}
		s = s[idx+len(seg):]
	}

	return strings.HasSuffix(s, segments[len(segments)-1])
}
