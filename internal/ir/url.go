package ir

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ExecutableExtensions are the module file extensions that deps may omit.
// A module at ".../person.gts" is referenced by its alias ".../person".
var ExecutableExtensions = []string{".gts", ".gjs", ".ts", ".js"}

// NormalizeURL returns the key form of a URL: NFC normalized with
// surrounding whitespace removed.
func NormalizeURL(u string) string {
	return norm.NFC.String(strings.TrimSpace(u))
}

// HasExecutableExtension reports whether u ends in a module extension.
func HasExecutableExtension(u string) bool {
	for _, ext := range ExecutableExtensions {
		if strings.HasSuffix(u, ext) {
			return true
		}
	}
	return false
}

// Alias returns u with its executable extension trimmed, or u unchanged
// when it has none.
func Alias(u string) string {
	for _, ext := range ExecutableExtensions {
		if strings.HasSuffix(u, ext) {
			return strings.TrimSuffix(u, ext)
		}
	}
	return u
}

// DepKeys returns the keys a deps list may use to reference u: the URL
// itself and, for modules, its extensionless alias.
func DepKeys(u string) []string {
	u = NormalizeURL(u)
	if alias := Alias(u); alias != u {
		return []string{u, alias}
	}
	return []string{u}
}

// InRealm reports whether u lives under realmURL.
func InRealm(realmURL, u string) bool {
	realmURL = NormalizeURL(realmURL)
	if !strings.HasSuffix(realmURL, "/") {
		realmURL += "/"
	}
	return strings.HasPrefix(NormalizeURL(u), realmURL)
}

// EntryTypeFor guesses the entry type of u from its extension.
func EntryTypeFor(u string) EntryType {
	switch {
	case HasExecutableExtension(u):
		return EntryModule
	case strings.HasSuffix(u, ".json"):
		return EntryInstance
	default:
		return EntryFile
	}
}
