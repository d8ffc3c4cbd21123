package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/schema"
)

// relationExistsFunc は参照先コレクションにレコードが存在するか判定する。
// 各ストア実装が自身の探索手段を注入する。
type relationExistsFunc func(ctx context.Context, target, id string) (bool, error)

// validateFields は入力フィールドをコレクション定義に対して検証し、
// 正規化済みのコピーを返す。partial=trueのとき（update）は必須チェックを
// 省略し、与えられたフィールドのみ検証する。
func validateFields(ctx context.Context, col *schema.Collection, fields map[string]any, partial bool, exists relationExistsFunc) (map[string]any, error) {
	normalized := make(map[string]any, len(fields))

	for name, raw := range fields {
		f := col.Field(name)
		if f == nil {
			return nil, model.NewValidationError(fmt.Sprintf("未宣言のフィールドです: %s", name))
		}
		v, err := normalizeValue(f, raw)
		if err != nil {
			return nil, err
		}
		if f.Kind == schema.FieldRelation {
			id, _ := v.(string)
			ok, err := exists(ctx, f.Target, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, model.NewValidationError(
					fmt.Sprintf("フィールド %s の参照先レコードが存在しません: %s/%s", name, f.Target, id))
			}
		}
		normalized[name] = v
	}

	if partial {
		return normalized, nil
	}

	for _, f := range col.Fields {
		if _, ok := normalized[f.Name]; ok {
			continue
		}
		if f.Kind == schema.FieldDateTime && f.DefaultNow {
			normalized[f.Name] = time.Now().Unix()
			continue
		}
		if !f.Optional {
			return nil, model.NewValidationError(fmt.Sprintf("必須フィールドがありません: %s", f.Name))
		}
	}
	return normalized, nil
}

// normalizeValue は1つの値をフィールド型に正規化する。
// JSONデコード経由の数値（float64）とGoネイティブの数値の両方を受け付ける。
func normalizeValue(f *schema.Field, raw any) (any, error) {
	switch f.Kind {
	case schema.FieldString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	case schema.FieldInteger, schema.FieldDateTime:
		if n, ok := asInt64(raw); ok {
			return n, nil
		}
	case schema.FieldFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case schema.FieldBoolean:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case schema.FieldRelation:
		if s, ok := raw.(string); ok && s != "" {
			return s, nil
		}
	}
	return nil, model.NewValidationError(
		fmt.Sprintf("フィールド %s の値が %s 型ではありません", f.Name, f.Kind))
}

func asInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	}
	return 0, false
}
