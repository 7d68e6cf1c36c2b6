// Package deps is the Dependency Tracker: it walks the reverse edges of the
// deps lists stored on index entries to find every entry that must be
// rebuilt after a URL changes.
//
// The edge set is exactly the entries' deps columns. An entry that does not
// list U (or U's extensionless alias, for modules) is never reached from U.
//
// Example:
//
//	person.gts changed
//	  → deps contain "person"        → person-1.json, pet.gts
//	  → deps contain "pet"           → pet-1.json
//	  → deps contain "person-1.json" → (none)
//
// Traversal is iterative with an explicit visited set, so cyclic deps
// terminate and each URL is expanded at most once.
package deps
