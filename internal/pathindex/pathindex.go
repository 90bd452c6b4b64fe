// Package pathindex converts between the nested interview document and
// its flat path map, and between index-based (dot-delimited) and
// id-based (slash-delimited) addressing of repeated entities.
//
// None of these functions return errors: a wrong path costs a display
// artifact, a crash costs the whole form, so malformed input always
// degrades to passing the path through unchanged.
package pathindex

import (
	"strconv"
	"strings"

	"parley/internal/types"
)

// Flatten walks the document and produces a flat map of slash-joined
// paths. Entity list fields are re-emitted whole at their own path and
// each well-formed entity record is emitted at parentPath/id, with id
// taken from "@id" or, when absent, the 1-based position. Fields that
// are nil are skipped entirely and never appear in the output.
func Flatten(data types.AttributeValues) map[string]any {
	out := make(map[string]any)
	if data == nil {
		return out
	}
	flattenInto(out, "", data)
	return out
}

func flattenInto(out map[string]any, prefix string, fields map[string]any) {
	for key, value := range fields {
		path := joinPath(prefix, key)
		switch v := value.(type) {
		case nil:
			// Absent and explicitly-unknown never reach the flat map.
		case []any:
			out[path] = v
			for i, elem := range v {
				rec, ok := elem.(map[string]any)
				if !ok {
					continue
				}
				id := entityID(rec, i)
				out[path+"/"+id] = rec
				flattenInto(out, path+"/"+id, rec)
			}
		case map[string]any:
			out[path] = v
			flattenInto(out, path, v)
		default:
			out[path] = v
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// entityID returns the stable identity of an entity record, falling
// back to the 1-based position when no "@id" is present.
func entityID(rec map[string]any, pos int) string {
	if id, ok := rec[types.IDKey].(string); ok && id != "" {
		return id
	}
	return strconv.Itoa(pos + 1)
}

// entityCandidates returns the well-formed records of the entity list
// flattened at prefix. Non-objects and records without a string "@id"
// are filtered out before any indexing.
func entityCandidates(flat map[string]any, prefix string) []map[string]any {
	arr, ok := flat[prefix].([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, elem := range arr {
		rec, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := rec[types.IDKey].(string); !ok || id == "" {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// IndexPathToIDPath converts a path between the two entity addressing
// conventions. A path alternates entityName / entityIndexOrID segments;
// the final segment is always a leaf field name. With nested=true the
// result is dot-delimited and index-based (0-based); with nested=false
// it is slash-delimited and id-based. Odd-position segments are
// resolved against the flattened entity array at their prefix; when no
// entity array exists there, the segment passes through unchanged (a
// literal key, e.g. a global singleton path).
func IndexPathToIDPath(path string, flat map[string]any, nested bool) string {
	if path == "" {
		return path
	}
	sep := "/"
	if strings.Contains(path, ".") {
		sep = "."
	}
	segments := strings.Split(path, sep)

	outSep := "/"
	if nested {
		outSep = "."
	}

	// idPrefix tracks the slash/id form of the path converted so far,
	// which is the convention the flat map is keyed by.
	var idPrefix string
	out := make([]string, 0, len(segments))
	for i, seg := range segments {
		last := i == len(segments)-1
		if i%2 == 0 || last {
			// Entity name or trailing leaf field: carried verbatim.
			out = append(out, seg)
			if i%2 == 0 {
				idPrefix = joinPath(idPrefix, seg)
			}
			continue
		}

		candidates := entityCandidates(flat, idPrefix)
		converted := seg
		if nested {
			// Converting toward index form: seg should be an @id.
			for idx, rec := range candidates {
				if rec[types.IDKey] == seg {
					converted = strconv.Itoa(idx)
					break
				}
			}
		} else {
			// Converting toward id form: seg should be a 0-based index.
			if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 && idx < len(candidates) {
				if id, ok := candidates[idx][types.IDKey].(string); ok && id != "" {
					converted = id
				}
			}
		}

		// The id form of this segment scopes all deeper lookups.
		idSeg := seg
		if !nested {
			idSeg = converted
		}
		idPrefix = idPrefix + "/" + idSeg
		out = append(out, converted)
	}
	return strings.Join(out, outSep)
}

// AttributeToPath resolves an attribute reference to a concrete path in
// the caller's addressing convention. Attributes that already match the
// convention (contain a dot while nested addressing is requested) are
// returned unchanged; otherwise a leading parentScope prefix is
// stripped and the remainder converted via IndexPathToIDPath.
func AttributeToPath(attribute, parentScope string, values map[string]any, nested bool) string {
	if attribute == "" {
		return attribute
	}
	if nested && strings.Contains(attribute, ".") {
		return attribute
	}
	if parentScope != "" {
		attribute = strings.TrimPrefix(attribute, parentScope+"/")
	}
	return IndexPathToIDPath(attribute, values, nested)
}
