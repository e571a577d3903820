package metadata

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers are part of the persisted format and must never be reused.
const (
	resultOptimizable      protowire.Number = 1
	resultURL              protowire.Number = 2
	resultHash             protowire.Number = 3
	resultExtension        protowire.Number = 4
	resultOriginExpiration protowire.Number = 5
	resultMetadata         protowire.Number = 6
	resultSize             protowire.Number = 7

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	partitionInput  protowire.Number = 1
	partitionResult protowire.Number = 2

	tablePartition  protowire.Number = 1
	tableExpiration protowire.Number = 2
	tableVersion    protowire.Number = 15
)

// Marshal encodes p in protobuf wire format, stamping the current Version.
// Metadata entries are written sorted by key so equal tables encode to equal
// bytes.
func Marshal(p *OutputPartitions) []byte {
	var b []byte
	for i := range p.Partitions {
		b = protowire.AppendTag(b, tablePartition, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPartition(nil, &p.Partitions[i]))
	}
	if p.ExpirationTimeMs != 0 {
		b = protowire.AppendTag(b, tableExpiration, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.ExpirationTimeMs))
	}
	b = protowire.AppendTag(b, tableVersion, protowire.VarintType)
	return protowire.AppendVarint(b, Version)
}

func appendPartition(b []byte, p *OutputPartition) []byte {
	if len(p.Input) > 0 {
		var packed []byte
		for _, idx := range p.Input {
			packed = protowire.AppendVarint(packed, uint64(idx))
		}
		b = protowire.AppendTag(b, partitionInput, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, partitionResult, protowire.BytesType)
	return protowire.AppendBytes(b, appendResult(nil, &p.Result))
}

func appendResult(b []byte, r *CachedResult) []byte {
	if r.Optimizable {
		b = protowire.AppendTag(b, resultOptimizable, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = appendString(b, resultURL, r.URL)
	b = appendString(b, resultHash, r.Hash)
	b = appendString(b, resultExtension, r.Extension)
	if r.OriginExpirationTimeMs != 0 {
		b = protowire.AppendTag(b, resultOriginExpiration, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.OriginExpirationTimeMs))
	}
	for _, k := range sortedKeys(r.Metadata) {
		var entry []byte
		entry = appendString(entry, entryKey, k)
		entry = appendString(entry, entryValue, r.Metadata[k])
		b = protowire.AppendTag(b, resultMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	if r.Size != 0 {
		b = protowire.AppendTag(b, resultSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Size))
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Unmarshal decodes a partition table. Unknown fields are skipped and
// absent fields keep their zero values. Malformed input yields ErrCorrupt.
func Unmarshal(b []byte) (*OutputPartitions, error) {
	p := &OutputPartitions{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == tablePartition && typ == protowire.BytesType:
			part, err := unmarshalPartition(v)
			if err != nil {
				return err
			}
			p.Partitions = append(p.Partitions, part)
		case num == tableExpiration && typ == protowire.VarintType:
			p.ExpirationTimeMs = int64(x)
		case num == tableVersion && typ == protowire.VarintType:
			if x > math.MaxInt32 {
				return fmt.Errorf("%w: version %d", ErrCorrupt, x)
			}
			p.Version = int(x)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshalPartition(b []byte) (OutputPartition, error) {
	var p OutputPartition
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == partitionInput && typ == protowire.BytesType:
			for len(v) > 0 {
				idx, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return parseError(n)
				}
				if err := p.addInput(idx); err != nil {
					return err
				}
				v = v[n:]
			}
		case num == partitionInput && typ == protowire.VarintType:
			return p.addInput(x)
		case num == partitionResult && typ == protowire.BytesType:
			r, err := unmarshalResult(v)
			if err != nil {
				return err
			}
			p.Result = r
		}
		return nil
	})
	return p, err
}

func (p *OutputPartition) addInput(idx uint64) error {
	if idx > math.MaxInt32 {
		return fmt.Errorf("%w: input index %d", ErrCorrupt, idx)
	}
	p.Input = append(p.Input, int(idx))
	return nil
}

func unmarshalResult(b []byte) (CachedResult, error) {
	var r CachedResult
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		if typ == protowire.VarintType {
			switch num {
			case resultOptimizable:
				r.Optimizable = protowire.DecodeBool(x)
			case resultOriginExpiration:
				r.OriginExpirationTimeMs = int64(x)
			case resultSize:
				r.Size = int64(x)
			}
			return nil
		}
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case resultURL:
			r.URL = string(v)
		case resultHash:
			r.Hash = string(v)
		case resultExtension:
			r.Extension = string(v)
		case resultMetadata:
			var key, value string
			err := walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if typ == protowire.BytesType && num == entryKey {
					key = string(v)
				} else if typ == protowire.BytesType && num == entryValue {
					value = string(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if r.Metadata == nil {
				r.Metadata = make(map[string]string)
			}
			r.Metadata[key] = value
		}
		return nil
	})
	return r, err
}

// walk calls fn for every field of the message in b. Length-delimited
// values arrive in v and varints in x; other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseError(n)
		}
		b = b[n:]
		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return parseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType && typ != protowire.VarintType {
			continue
		}
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func parseError(n int) error {
	return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
}
