package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// StreamArray 在 r 中按 path 定位嵌套的 JSON 数组，并逐个元素回调 fn。
//
// 只有当前元素会驻留内存；path 为空时 r 本身应是一个数组。
// 与 path 无关的兄弟字段按 token 跳过，不会被整体解码。
func StreamArray(r io.Reader, path []string, fn func(raw json.RawMessage) error) error {
	dec := json.NewDecoder(r)
	if err := descend(dec, path); err != nil {
		return err
	}

	if err := expectDelim(dec, '['); err != nil {
		return err
	}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode element: %w", err)
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	if err := expectDelim(dec, ']'); err != nil {
		return err
	}
	return nil
}

// ParsePath 将 "dataset.items" 形式的路径拆分为字段序列。
func ParsePath(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ".") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var errPathNotFound = errors.New("dataset: array path not found")

func descend(dec *json.Decoder, path []string) error {
	for depth, field := range path {
		if err := expectDelim(dec, '{'); err != nil {
			return fmt.Errorf("at %q: %w", strings.Join(path[:depth], "."), err)
		}
		found := false
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			key, _ := tok.(string)
			if key == field {
				found = true
				break
			}
			if err := skipValue(dec); err != nil {
				return err
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", errPathNotFound, strings.Join(path[:depth+1], "."))
		}
	}
	return nil
}

// skipValue 消费下一个完整的 JSON 值。
func skipValue(dec *json.Decoder) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("skip value: %w", err)
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
		if depth == 0 {
			return nil
		}
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("expected %q: %w", want, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
