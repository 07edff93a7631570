// Package config decodes the cache-builder's input configuration document.
// JSON decoding is explicitly an external collaborator for this project —
// only the document's shape matters here, not how it was parsed — so this
// package leans on the standard library's encoding/json rather than a
// pack dependency (spec §1 "Out of scope: JSON configuration parsing").
package config

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// Config is the builder-facing, fully resolved view of the input
// document: every needed class/metaclass name mapped to its priority
// (its position in the configured list — spec §4.3 "Iteration order"),
// plus the inlining and flattening sets (spec §7 external interfaces).
type Config struct {
	NeededClasses     map[string]int
	NeededMetaclasses map[string]int

	SelectorsToInline map[string]struct{}

	ClassFlatteningRoots     map[string]struct{}
	MetaclassFlatteningRoots map[string]struct{}
}

// defaultFlatteningRoot is used when the document doesn't configure one
// (spec §4.1 "Flattening hierarchy" — the root class every flattened
// hierarchy bottoms out at unless overridden).
const defaultFlatteningRoot = "OS_object"

type documentV1 struct {
	Version                  int      `json:"version"`
	NeededClasses            []string `json:"neededClasses"`
	NeededMetaclasses        []string `json:"neededMetaclasses"`
	SelectorsToInline        []string `json:"selectorsToInline"`
	FlatteningRoots          []string `json:"flatteningRoots"`
	MetaclassFlatteningRoots []string `json:"metaclassFlatteningRoots"`
}

type dylibEntry struct {
	NeededClasses     []string `json:"neededClasses"`
	NeededMetaclasses []string `json:"neededMetaclasses"`
}

type documentV2 struct {
	Version                  int                   `json:"version"`
	Dylibs                   map[string]dylibEntry `json:"dylibs"`
	SelectorsToInline        []string              `json:"selectorsToInline"`
	FlatteningRoots          []string              `json:"flatteningRoots"`
	MetaclassFlatteningRoots []string              `json:"metaclassFlatteningRoots"`
}

// Parse decodes a configuration document. A malformed or unsupported
// document is a fatal configuration error for the whole run (spec §7
// "Error handling: configuration errors fatal").
func Parse(data []byte) (*Config, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrap(err, "parsing configuration document")
	}

	switch probe.Version {
	case 0, 1:
		var doc documentV1
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrap(err, "parsing version 1 configuration document")
		}
		return build(doc.NeededClasses, doc.NeededMetaclasses, doc.SelectorsToInline, doc.FlatteningRoots, doc.MetaclassFlatteningRoots), nil

	case 2:
		var doc documentV2
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrap(err, "parsing version 2 configuration document")
		}
		var classes, metaclasses []string
		names := make([]string, 0, len(doc.Dylibs))
		for name := range doc.Dylibs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			entry := doc.Dylibs[name]
			classes = append(classes, entry.NeededClasses...)
			metaclasses = append(metaclasses, entry.NeededMetaclasses...)
		}
		return build(classes, metaclasses, doc.SelectorsToInline, doc.FlatteningRoots, doc.MetaclassFlatteningRoots), nil

	default:
		return nil, errors.Errorf("unsupported configuration document version %d", probe.Version)
	}
}

func build(classes, metaclasses, inline, roots, metaRoots []string) *Config {
	if len(roots) == 0 {
		roots = []string{defaultFlatteningRoot}
	}
	return &Config{
		NeededClasses:            toPriority(classes),
		NeededMetaclasses:        toPriority(metaclasses),
		SelectorsToInline:        toSet(inline),
		ClassFlatteningRoots:     toSet(roots),
		MetaclassFlatteningRoots: toSet(metaRoots),
	}
}

func toPriority(names []string) map[string]int {
	m := make(map[string]int, len(names))
	for i, n := range names {
		m[n] = i
	}
	return m
}

func toSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}
