package syncstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/statesync/errors"
)

// Record types on the wire
const (
	TypeSingle  = "single"
	TypeChunked = "chunked"
)

// MaxShardCount bounds the shards of one value, on write and on read
const MaxShardCount = 10_000

// record is the parent document stored under a key
type record struct {
	Type       string          `json:"type"`
	Value      json.RawMessage `json:"value,omitempty"`
	ShardCount int             `json:"shardCount,omitempty"`
	Generation string          `json:"generation,omitempty"`
	Rev        string          `json:"rev,omitempty"`
}

// shardDoc holds one contiguous slice of a chunked array
type shardDoc struct {
	Index      int               `json:"index"`
	Items      []json.RawMessage `json:"items"`
	Key        string            `json:"key"`
	Generation string            `json:"generation"`
	WrittenAt  time.Time         `json:"writtenAt"`
}

// shardHeader is a shardDoc without its items
type shardHeader struct {
	Index      int       `json:"index"`
	Key        string    `json:"key"`
	Generation string    `json:"generation"`
	WrittenAt  time.Time `json:"writtenAt"`
}

func decodeRecord(key string, data []byte) (*record, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: record %q: %v", errors.ErrDataCorrupted, key, err)
	}
	switch rec.Type {
	case TypeSingle:
		if len(rec.Value) == 0 {
			rec.Value = json.RawMessage("null")
		}
	case TypeChunked:
		if rec.ShardCount <= 0 || rec.Generation == "" {
			return nil, fmt.Errorf("%w: record %q has bad shard header", errors.ErrDataCorrupted, key)
		}
		if rec.ShardCount > MaxShardCount {
			return nil, fmt.Errorf("%w: record %q names %d shards, limit is %d",
				errors.ErrDataCorrupted, key, rec.ShardCount, MaxShardCount)
		}
	default:
		return nil, fmt.Errorf("%w: record %q has unknown type %q", errors.ErrDataCorrupted, key, rec.Type)
	}
	return &rec, nil
}

// encodeShard encodes sd without HTML escaping so a shard's size follows
// the size of its items
func encodeShard(sd shardDoc) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sd); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// shardID names shard index of a key's generation
func shardID(key, generation string, index int) string {
	return key + "." + generation + "." + strconv.Itoa(index)
}

// parseShardID splits a shard id into its key and generation
func parseShardID(id string) (key, generation string, ok bool) {
	parts := strings.SplitN(id, ".", 3)
	if len(parts) != 3 {
		return "", "", false
	}
	if _, err := strconv.Atoi(parts[2]); err != nil {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// isArray reports whether data encodes a JSON array
func isArray(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// partition splits items greedily so that each group's encoded array stays
// within limit. An item larger than limit gets a group of its own.
func partition(items []json.RawMessage, limit int) [][]json.RawMessage {
	var groups [][]json.RawMessage
	var current []json.RawMessage
	size := 2 // brackets

	for _, item := range items {
		add := len(item)
		if len(current) > 0 {
			add++ // comma
		}
		if len(current) > 0 && size+add > limit {
			groups = append(groups, current)
			current = nil
			size = 2
			add = len(item)
		}
		current = append(current, item)
		size += add
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// encodedSize returns the length of items encoded as a JSON array
func encodedSize(items []json.RawMessage) int {
	size := 2
	for i, item := range items {
		if i > 0 {
			size++
		}
		size += len(item)
	}
	return size
}

// joinItems concatenates shard items into one JSON array
func joinItems(shards [][]json.RawMessage) json.RawMessage {
	size := 2
	for _, items := range shards {
		size += encodedSize(items)
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.WriteByte('[')
	first := true
	for _, items := range shards {
		for _, item := range items {
			if !first {
				buf.WriteByte(',')
			}
			buf.Write(item)
			first = false
		}
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
