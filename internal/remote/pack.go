package remote

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

const (
	LayerTargetSize = 5 * 1024 * 1024  // 5MB target
	LayerMinSize    = 2 * 1024 * 1024  // 2MB minimum before combining
	LayerSoftMax    = 10 * 1024 * 1024 // 10MB soft maximum

	maxNameLen = 4096
)

var ErrMalformedLayer = errors.New("remote: malformed layer")

// GroupByPrefix buckets object names by their shard directory, so
// "index/ab/cd.." and "content/ab/ef.." land in bucket "ab".
func GroupByPrefix(objects map[string][]byte) map[string]map[string][]byte {
	result := make(map[string]map[string][]byte)
	for name, data := range objects {
		prefix := prefixOf(name)
		if result[prefix] == nil {
			result[prefix] = make(map[string][]byte)
		}
		result[prefix][name] = data
	}
	return result
}

func prefixOf(name string) string {
	parts := strings.Split(name, "/")
	if len(parts) >= 2 && len(parts[1]) == 2 {
		return parts[1]
	}
	return "00"
}

// PackLayer encodes objects as repeated
// [uvarint name length][name][uvarint data length][data], sorted by name.
func PackLayer(objects map[string][]byte) []byte {
	var buf bytes.Buffer
	var header [binary.MaxVarintLen64]byte
	for _, name := range slices.Sorted(maps.Keys(objects)) {
		data := objects[name]
		buf.Write(header[:binary.PutUvarint(header[:], uint64(len(name)))])
		buf.WriteString(name)
		buf.Write(header[:binary.PutUvarint(header[:], uint64(len(data)))])
		buf.Write(data)
	}
	return buf.Bytes()
}

// UnpackLayer reverses PackLayer.
func UnpackLayer(data []byte) (map[string][]byte, error) {
	result := make(map[string][]byte)
	for len(data) > 0 {
		nameLen, n := binary.Uvarint(data)
		if n <= 0 || nameLen == 0 || nameLen > maxNameLen || nameLen > uint64(len(data)-n) {
			return nil, fmt.Errorf("%w: bad name header", ErrMalformedLayer)
		}
		data = data[n:]
		name := string(data[:nameLen])
		data = data[nameLen:]

		size, n := binary.Uvarint(data)
		if n <= 0 || size > uint64(len(data)-n) {
			return nil, fmt.Errorf("%w: bad size for %q", ErrMalformedLayer, name)
		}
		data = data[n:]
		result[name] = bytes.Clone(data[:size])
		data = data[size:]
	}
	return result, nil
}

// BuildLayerPlan groups prefixes, in sorted order, into layers of roughly
// LayerTargetSize. Small trailing groups are merged up to 2*LayerSoftMax.
func BuildLayerPlan(prefixSizes map[string]int64) [][]string {
	var layers [][]string
	var current []string
	var size int64

	for _, prefix := range slices.Sorted(maps.Keys(prefixSizes)) {
		prefixSize := prefixSizes[prefix]

		switch {
		case len(current) == 0:
			current = []string{prefix}
			size = prefixSize
		case size >= LayerTargetSize:
			layers = append(layers, current)
			current = []string{prefix}
			size = prefixSize
		case size+prefixSize <= LayerSoftMax,
			size < LayerMinSize && size+prefixSize <= 2*LayerSoftMax:
			current = append(current, prefix)
			size += prefixSize
		default:
			layers = append(layers, current)
			current = []string{prefix}
			size = prefixSize
		}
	}

	if len(current) > 0 {
		layers = append(layers, current)
	}
	return layers
}

// PrefixSizes returns the total data size of each prefix bucket.
func PrefixSizes(byPrefix map[string]map[string][]byte) map[string]int64 {
	result := make(map[string]int64, len(byPrefix))
	for prefix, objects := range byPrefix {
		var total int64
		for _, data := range objects {
			total += int64(len(data))
		}
		result[prefix] = total
	}
	return result
}

func collect(prefixes []string, byPrefix map[string]map[string][]byte) map[string][]byte {
	result := make(map[string][]byte)
	for _, prefix := range prefixes {
		maps.Copy(result, byPrefix[prefix])
	}
	return result
}
