// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package synth

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.opendefense.cloud/mlflow-operator/pkg/config"
	"go.opendefense.cloud/mlflow-operator/pkg/relation"
)

type fieldType int

const (
	typeString fieldType = iota
	typeInt
	typePort
	typeBool
	typeDuration
)

type field struct {
	name     string
	typ      fieldType
	optional bool
}

// schema describes the payload layout of one binding kind at one version.
type schema struct {
	fields []field
	// anyKeys accepts arbitrary keys, each of which must match keyPattern.
	anyKeys    bool
	keyPattern *regexp.Regexp
}

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var ingressSchema = schema{fields: []field{
	{name: "prefix"},
	{name: "host", optional: true},
	{name: "rewrite", optional: true},
}}

var schemas = map[string]map[string]schema{
	relation.KindDatabase: {
		"v0": {fields: []field{
			{name: "host"},
			{name: "port", typ: typePort},
			{name: "database"},
			{name: "root_password"},
		}},
		"v1": {fields: []field{
			{name: "host"},
			{name: "port", typ: typePort},
			{name: "database"},
			{name: "username"},
			{name: "password"},
		}},
	},
	relation.KindObjectStorage: {
		"v1": {fields: []field{
			{name: "access-key"},
			{name: "secret-key"},
			{name: "service"},
			{name: "port", typ: typePort},
			{name: "namespace", optional: true},
			{name: "secure", typ: typeBool, optional: true},
			{name: "region", optional: true},
		}},
	},
	relation.KindIngress: {"v1": ingressSchema},
	relation.KindSecrets: {
		"v1": {anyKeys: true, keyPattern: envNameRe},
	},
	relation.KindDashboard: {
		"v1": {fields: []field{
			{name: "location", optional: true},
			{name: "text", optional: true},
			{name: "icon", optional: true},
		}},
	},
	relation.KindMetrics: {
		"v1": {fields: []field{
			{name: "scrape-interval", typ: typeDuration, optional: true},
			{name: "scrape-timeout", typ: typeDuration, optional: true},
		}},
	},
}

// firstField names the field reported when a binding has no payload at all.
func firstField(b relation.Binding) string {
	s, ok := schemas[b.Kind][relation.DefaultSchemaVersion]
	if !ok || len(s.fields) == 0 {
		return "payload"
	}
	return s.fields[0].name
}

// validate checks the payload of b against the schema of its kind and version.
// Bindings of unknown kind are accepted as they are.
func validate(b relation.Binding) *UnmetRequirement {
	if !b.Present() {
		return &UnmetRequirement{Kind: UnmetBinding, Binding: b.Name, Field: firstField(b)}
	}

	versions, ok := schemas[b.Kind]
	if !ok {
		return nil
	}
	s, ok := versions[b.SchemaVersion]
	if !ok {
		return &UnmetRequirement{
			Kind:    UnmetBinding,
			Binding: b.Name,
			Field:   "schema",
			Message: fmt.Sprintf("unsupported schema version %q", b.SchemaVersion),
		}
	}

	if s.anyKeys {
		for _, key := range sortedKeys(b.Payload) {
			if s.keyPattern != nil && !s.keyPattern.MatchString(key) {
				return &UnmetRequirement{Kind: UnmetBinding, Binding: b.Name, Field: key, Message: "not a valid environment variable name"}
			}
		}
		return nil
	}

	for _, f := range s.fields {
		value, present := b.Payload[f.name]
		if !present || value == "" {
			if f.optional {
				continue
			}
			return &UnmetRequirement{Kind: UnmetBinding, Binding: b.Name, Field: f.name}
		}
		if msg := checkType(f.typ, value); msg != "" {
			return &UnmetRequirement{Kind: UnmetBinding, Binding: b.Name, Field: f.name, Message: msg}
		}
	}
	return nil
}

func checkType(typ fieldType, value string) string {
	switch typ {
	case typeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Sprintf("expected an integer, got %q", value)
		}
	case typePort:
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Sprintf("expected an integer, got %q", value)
		}
		if port < config.MinPort || port > config.MaxPort {
			return fmt.Sprintf("port %d is outside %d-%d", port, config.MinPort, config.MaxPort)
		}
	case typeBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Sprintf("expected a boolean, got %q", value)
		}
	case typeDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Sprintf("expected a duration, got %q", value)
		}
	}
	return ""
}
